package memory

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/httpserver"
)

// Handler serves the context-memory endpoints: ingest, recall, working-set
// assembly, item expansion, and feedback (spec §6).
type Handler struct {
	store        *Store
	consolidator *Consolidator
	retriever    *Retriever
	assembler    *Assembler
	maxItems     int
	tokenBudget  int64
}

func NewHandler(store *Store, consolidator *Consolidator, retriever *Retriever, assembler *Assembler, maxItems int, tokenBudget int64) *Handler {
	return &Handler{
		store:        store,
		consolidator: consolidator,
		retriever:    retriever,
		assembler:    assembler,
		maxItems:     maxItems,
		tokenBudget:  tokenBudget,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ingest", h.ingest)
	r.Post("/recall", h.recall)
	r.Post("/workingset", h.workingset)
	r.Get("/expand/{id}", h.expand)
	r.Get("/expand/{id}/raw", h.expandRaw)
	r.Post("/feedback", h.feedback)
	return r
}

type ingestMaterial struct {
	Kind   string `json:"kind" validate:"required,oneof=chat diffs logs"`
	Text   string `json:"text" validate:"required"`
	Source string `json:"source"`
}

type ingestRequest struct {
	Thread    string           `json:"thread" validate:"required"`
	Materials []ingestMaterial `json:"materials" validate:"required,min=1,dive"`
}

type ingestResponse struct {
	AddedIDs   []string `json:"added_ids"`
	UpdatedIDs []string `json:"updated_ids"`
	Superseded []string `json:"superseded"`
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	materials := make([]Material, 0, len(req.Materials))
	for _, m := range req.Materials {
		materials = append(materials, Material{Kind: MaterialKind(m.Kind), Text: m.Text, Source: m.Source})
	}

	cand := Extract(req.Thread, materials)
	res, err := h.consolidator.Consolidate(r.Context(), req.Thread, cand)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "consolidating ingested material", err))
		return
	}

	httpserver.Respond(w, r, http.StatusOK, ingestResponse{
		AddedIDs:   res.AddedIDs,
		UpdatedIDs: res.UpdatedIDs,
		Superseded: res.Superseded,
	})
}

type recallRequest struct {
	Thread      string `json:"thread" validate:"required"`
	Query       string `json:"query" validate:"required"`
	MaxItems    int    `json:"max_items"`
	TokenBudget int64  `json:"token_budget"`
}

type scoredView struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Status    string  `json:"status,omitempty"`
	Score     float64 `json:"score"`
	CreatedAt string  `json:"created_at"`
}

func toScoredView(r ScoredResult) scoredView {
	return scoredView{
		ID: r.Item.ID, Kind: r.Item.Kind, Title: r.Item.Title, Body: r.Item.Body,
		Status: r.Item.Status, Score: r.Score, CreatedAt: r.Item.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = h.maxItems
	}
	tokenBudget := req.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = h.tokenBudget
	}

	results, err := h.retriever.Retrieve(r.Context(), Query{
		Thread: req.Thread, Text: req.Query, MaxItems: maxItems, TokenBudget: tokenBudget,
	})
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "retrieving items", err))
		return
	}
	sortByScore(results)

	views := make([]scoredView, 0, len(results))
	for _, res := range results {
		views = append(views, toScoredView(res))
	}
	httpserver.Respond(w, r, http.StatusOK, views)
}

type workingsetRequest struct {
	Thread      string `json:"thread" validate:"required"`
	Task        string `json:"task" validate:"required"`
	TokenBudget int64  `json:"token_budget"`
}

type sectionView struct {
	Name  string       `json:"name"`
	Items []scoredView `json:"items"`
}

func (h *Handler) workingset(w http.ResponseWriter, r *http.Request) {
	var req workingsetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = h.tokenBudget
	}

	ws, err := h.assembler.Assemble(r.Context(), req.Thread, req.Task, nil, budget, h.maxItems)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "assembling working set", err))
		return
	}

	sections := make([]sectionView, 0, len(ws.Sections))
	for _, sec := range ws.Sections {
		items := make([]scoredView, 0, len(sec.Items))
		for _, it := range sec.Items {
			items = append(items, toScoredView(it))
		}
		sections = append(sections, sectionView{Name: sec.Name, Items: items})
	}

	httpserver.Respond(w, r, http.StatusOK, map[string]any{
		"thread":       ws.Thread,
		"sections":     sections,
		"total_tokens": ws.TotalTokens,
		"truncated":    ws.Truncated,
	})
}

func (h *Handler) expand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.NotFound("item not found: "+id))
		return
	}

	identity := auth.FromContext(r.Context())
	if identity != nil {
		_ = h.store.TouchUsage(r.Context(), identity.Workspace, id, FeedbackClick)
	}

	httpserver.Respond(w, r, http.StatusOK, toScoredView(ScoredResult{Item: *item}))
}

// expandRaw returns the item's body as a plain-text response rather than an
// envelope, per spec §6's "/expand/{id}/raw" shape for pasting content
// directly into an editor or terminal.
func (h *Handler) expandRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.NotFound("item not found: "+id))
		return
	}

	identity := auth.FromContext(r.Context())
	if identity != nil {
		_ = h.store.TouchUsage(r.Context(), identity.Workspace, id, FeedbackExpansion)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(item.Body))
}

type feedbackRequest struct {
	ItemID string  `json:"item_id" validate:"required"`
	Kind   string  `json:"kind" validate:"required,oneof=useful not_useful click reference"`
	Value  *float64 `json:"value"`
}

func (h *Handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	item, err := h.store.Get(r.Context(), req.ItemID)
	if err != nil {
		httpserver.RespondAPIError(w, r, apierr.NotFound("item not found: "+req.ItemID))
		return
	}

	identity := auth.FromContext(r.Context())
	workspace := ""
	if identity != nil {
		workspace = identity.Workspace
	}

	if err := h.store.RecordFeedback(r.Context(), workspace, item.Kind, req.ItemID, FeedbackKind(req.Kind), req.Value); err != nil {
		httpserver.RespondAPIError(w, r, apierr.Wrap(apierr.CodeSystem, "recording feedback", err))
		return
	}

	httpserver.Respond(w, r, http.StatusOK, map[string]any{"recorded": true})
}

