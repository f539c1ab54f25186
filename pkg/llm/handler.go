// Package llm wires the chat and embeddings endpoints: model resolution,
// quota/idempotency checks, the upstream proxy, and usage metering (spec
// §4.4–§4.6).
package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/httpserver"
	"github.com/ctxmemory/gateway/pkg/catalogue"
	"github.com/ctxmemory/gateway/pkg/idempotency"
	"github.com/ctxmemory/gateway/pkg/proxy"
	"github.com/ctxmemory/gateway/pkg/usage"
)

// Handler serves POST /llm/chat (unary + SSE streaming) and POST
// /embeddings.
type Handler struct {
	resolver        *catalogue.Resolver
	proxy           *proxy.Client
	ledger          *usage.Ledger
	idempotency     *idempotency.Store
	globals         func() catalogue.GlobalDefaults
	logger          *slog.Logger
	maxOutputTokens int
	maxTemperature  float64
}

func NewHandler(resolver *catalogue.Resolver, client *proxy.Client, ledger *usage.Ledger, idem *idempotency.Store, globals func() catalogue.GlobalDefaults, logger *slog.Logger, maxOutputTokens int, maxTemperature float64) *Handler {
	return &Handler{
		resolver:        resolver,
		proxy:           client,
		ledger:          ledger,
		idempotency:     idem,
		globals:         globals,
		logger:          logger,
		maxOutputTokens: maxOutputTokens,
		maxTemperature:  maxTemperature,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/llm/chat", h.chat)
	r.Post("/embeddings", h.embeddings)
	return r
}

// clampRequest enforces the server-side output-token and temperature
// ceilings (spec §4.1: "the server ceiling always wins, never the
// caller's"), mutating the decoded body in place.
func (h *Handler) clampRequest(body map[string]any) {
	if v, ok := body["max_tokens"].(float64); ok && (h.maxOutputTokens <= 0 || v > float64(h.maxOutputTokens)) && h.maxOutputTokens > 0 {
		body["max_tokens"] = h.maxOutputTokens
	}
	if v, ok := body["temperature"].(float64); ok && v > h.maxTemperature {
		body["temperature"] = h.maxTemperature
	}
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAPIError(w, r, apierr.Unauthenticated("authentication required"))
		return
	}
	if err := h.checkQuota(r, identity); err != nil {
		httpserver.RespondAPIError(w, r, err)
		return
	}

	var body map[string]any
	if err := httpserver.Decode(r, &body); err != nil {
		httpserver.RespondAPIError(w, r, apierr.Validation(err.Error()))
		return
	}
	requestedModel, _ := body["model"].(string)
	streaming, _ := body["stream"].(bool)
	h.clampRequest(body)

	entry, err := h.resolver.Resolve(r.Context(), requestedModel, identity, catalogue.PurposeChat, h.globals())
	if err != nil {
		httpserver.RespondAPIError(w, r, asAPIError(err))
		return
	}
	body["model"] = entry.ModelID

	idemKey := r.Header.Get("Idempotency-Key")
	requestHash := idempotency.RequestHash(body)
	if idemKey != "" && !streaming {
		cached, err := h.idempotency.Check(r.Context(), idemKey, identity.APIKeyHash(), requestHash)
		if err != nil {
			if errors.Is(err, idempotency.ErrConflict) {
				httpserver.RespondAPIError(w, r, apierr.Conflict("idempotency key reused with a different request"))
				return
			}
			httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "checking idempotency cache", err))
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeValidation, "encoding request body", err))
		return
	}

	if streaming {
		h.streamChat(w, r, encoded, entry, identity)
		return
	}

	result, err := h.proxy.Unary(r.Context(), "/chat/completions", encoded, r.Header, entry.ModelID)
	if err != nil {
		httpserver.RespondAPIError(w, r, asAPIError(err))
		return
	}

	if err := h.ledger.Record(r.Context(), identity, entry.ModelID, result.Usage.PromptTokens, result.Usage.CompletionTokens, 0,
		usage.Pricing{InputPer1K: entry.InputPricePer1K, OutputPer1K: entry.OutputPricePer1K}, nil); err != nil {
		httpserver.HandleUnexpected(w, r, h.logger, err)
	}

	if idemKey != "" {
		_ = h.idempotency.Store(r.Context(), idemKey, identity.APIKeyHash(), requestHash, result.Body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Model-Used", result.ModelUsed)
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, body []byte, entry *catalogue.Entry, identity *auth.Identity) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondAPIError(w, r, apierr.System("streaming not supported by this server"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frames := make(chan proxy.Frame, 16)
	done := make(chan error, 1)
	go func() {
		res, err := h.proxy.Stream(r.Context(), "/chat/completions", body, r.Header, frames, proxy.EstimateTokens)
		if err == nil {
			_ = h.ledger.Record(r.Context(), identity, entry.ModelID, 0, res.Usage.CompletionTokens, 0,
				usage.Pricing{InputPer1K: entry.InputPricePer1K, OutputPer1K: entry.OutputPricePer1K}, map[string]any{"estimated": res.Usage.Estimated})
		}
		done <- err
		close(frames)
	}()

	for frame := range frames {
		if frame.Done {
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		} else {
			_, _ = w.Write(bytes.Join([][]byte{[]byte("data: "), frame.Data, []byte("\n\n")}, nil))
		}
		flusher.Flush()
	}
	<-done
}

func (h *Handler) embeddings(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAPIError(w, r, apierr.Unauthenticated("authentication required"))
		return
	}
	if err := h.checkQuota(r, identity); err != nil {
		httpserver.RespondAPIError(w, r, err)
		return
	}

	var body map[string]any
	if err := httpserver.Decode(r, &body); err != nil {
		httpserver.RespondAPIError(w, r, apierr.Validation(err.Error()))
		return
	}
	requestedModel, _ := body["model"].(string)

	entry, err := h.resolver.Resolve(r.Context(), requestedModel, identity, catalogue.PurposeEmbedding, h.globals())
	if err != nil {
		httpserver.RespondAPIError(w, r, asAPIError(err))
		return
	}
	body["model"] = entry.ModelID

	encoded, err := json.Marshal(body)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeValidation, "encoding request body", err))
		return
	}

	result, err := h.proxy.Unary(r.Context(), "/embeddings", encoded, r.Header, entry.ModelID)
	if err != nil {
		httpserver.RespondAPIError(w, r, asAPIError(err))
		return
	}

	if err := h.ledger.Record(r.Context(), identity, entry.ModelID, 0, 0, result.Usage.PromptTokens,
		usage.Pricing{InputPer1K: entry.InputPricePer1K, OutputPer1K: entry.OutputPricePer1K}, nil); err != nil {
		httpserver.HandleUnexpected(w, r, h.logger, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Model-Used", result.ModelUsed)
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// checkQuota enforces the daily token quota before the upstream call, per
// the pre-check policy: the ledger itself may exceed the quota by at most
// one request's tokens, but a key already at or over quota is turned away
// with a 429 and X-Quota-* headers.
func (h *Handler) checkQuota(r *http.Request, identity *auth.Identity) *apierr.Error {
	if identity.DailyQuotaTokens <= 0 {
		return nil
	}
	status, err := h.ledger.CheckDaily(r.Context(), identity.APIKeyHash(), identity.DailyQuotaTokens)
	if err != nil {
		return apierr.Wrap(apierr.CodeSystem, "checking daily quota", err)
	}
	if status.Exceeded {
		return apierr.RateLimited("daily token quota exceeded").
			WithHeader("X-Quota-Limit", strconv.FormatInt(status.Limit, 10)).
			WithHeader("X-Quota-Remaining", strconv.FormatInt(status.Remaining, 10)).
			WithHeader("X-Quota-Reset", strconv.FormatInt(status.ResetUnix, 10))
	}
	return nil
}

func asAPIError(err error) *apierr.Error {
	if ae, ok := apierr.As(err); ok {
		return ae
	}
	return apierr.Wrap(apierr.CodeSystem, "unexpected error", err)
}
