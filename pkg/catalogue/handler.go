package catalogue

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/httpserver"
)

// Handler serves the policy-filtered catalogue endpoints (§6).
type Handler struct {
	store   *Store
	globals func() GlobalDefaults
}

func NewHandler(store *Store, globals func() GlobalDefaults) *Handler {
	return &Handler{store: store, globals: globals}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	return r
}

type modelView struct {
	ModelID          string  `json:"model_id"`
	Provider         string  `json:"provider"`
	DisplayName      string  `json:"display_name"`
	ContextWindow    int     `json:"context_window"`
	InputPricePer1K  float64 `json:"input_price_per_1k"`
	OutputPricePer1K float64 `json:"output_price_per_1k"`
	SupportsTools    bool    `json:"supports_tools"`
	SupportsVision   bool    `json:"supports_vision"`
	SupportsJSONMode bool    `json:"supports_json_mode"`
	IsEmbeddingModel bool    `json:"is_embedding_model"`
	Status           Status  `json:"status"`
}

func toView(e Entry) modelView {
	return modelView{
		ModelID: e.ModelID, Provider: e.Provider, DisplayName: e.DisplayName,
		ContextWindow: e.ContextWindow, InputPricePer1K: e.InputPricePer1K,
		OutputPricePer1K: e.OutputPricePer1K, SupportsTools: e.SupportsTools,
		SupportsVision: e.SupportsVision, SupportsJSONMode: e.SupportsJSONMode,
		IsEmbeddingModel: e.IsEmbeddingModel, Status: e.Status,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	entries, err := h.store.List(r.Context(), true)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "listing catalogue", err))
		return
	}
	globals := h.globals()
	views := make([]modelView, 0, len(entries))
	for _, e := range entries {
		if !auth.AllowsModel(id, e.ModelID, globals.Allowlist, globals.Blocklist) {
			continue
		}
		views = append(views, toView(e))
	}
	httpserver.Respond(w, r, http.StatusOK, views)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	modelID := chi.URLParam(r, "id")

	entry, err := h.store.Get(r.Context(), modelID)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.NotFound("model not found: "+modelID))
		return
	}
	globals := h.globals()
	if !auth.AllowsModel(id, entry.ModelID, globals.Allowlist, globals.Blocklist) {
		httpserver.RespondAPIError(w, r, apierr.Forbidden("model not allowed: "+modelID))
		return
	}
	httpserver.Respond(w, r, http.StatusOK, toView(*entry))
}
