package usage

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/httpserver"
)

// Handler serves GET /usage, the key-scoped usage summary supplementing the
// spec's minimal HTTP table with the ledger's {period, total, by_model,
// daily} view.
type Handler struct {
	ledger *Ledger
}

func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.stats)
	return r
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondAPIError(w, r, apierr.Unauthenticated("authentication required"))
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpserver.RespondAPIError(w, r, apierr.Validation("days must be a positive integer"))
			return
		}
		days = n
	}

	summary, err := h.ledger.Stats(r.Context(), id.APIKeyHash(), days)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "computing usage summary", err))
		return
	}

	httpserver.Respond(w, r, http.StatusOK, summary)
}
