package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/httpserver"
)

// Handler provides the read-side HTTP handler for the audit trail.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	return r
}

type logEntryView struct {
	Workspace  string          `json:"workspace"`
	APIKeyHash string          `json:"api_key_hash"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondAPIError(w, r, apierr.Unauthenticated("authentication required"))
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Validation(err.Error()))
		return
	}

	const countQ = `SELECT count(*) FROM audit_log WHERE workspace = $1`
	var total int
	if err := h.pool.QueryRow(r.Context(), countQ, id.Workspace).Scan(&total); err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "counting audit log", err))
		return
	}

	const q = `
		SELECT workspace, api_key_hash, action, resource, resource_id, detail, created_at
		FROM audit_log WHERE workspace = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := h.pool.Query(r.Context(), q, id.Workspace, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "listing audit log", err))
		return
	}
	defer rows.Close()

	entries := make([]logEntryView, 0, params.PageSize)
	for rows.Next() {
		var e logEntryView
		var createdAt time.Time
		if err := rows.Scan(&e.Workspace, &e.APIKeyHash, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &createdAt); err != nil {
			httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "scanning audit log row", err))
			return
		}
		e.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "reading audit log rows", err))
		return
	}

	httpserver.Respond(w, r, http.StatusOK, httpserver.NewOffsetPage(entries, params, total))
}
