package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ctxmemory/gateway/pkg/breaker"
)

// providerModel mirrors the subset of the OpenRouter /models response this
// gateway cares about.
type providerModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
	Architecture struct {
		Modality     string   `json:"modality"`
		InputModal   []string `json:"input_modalities"`
	} `json:"architecture"`
	SupportedParameters []string `json:"supported_parameters"`
}

// Syncer fetches the upstream provider's model list and upserts the
// catalogue, deprecating models that stop appearing (spec §4.12).
type Syncer struct {
	store                *Store
	httpClient           *http.Client
	breaker              *breaker.Breaker
	apiBase, apiKey      string
	deprecationThreshold int
	logger               *slog.Logger
	onDeprecated         func(modelIDs []string)
}

func NewSyncer(store *Store, br *breaker.Breaker, apiBase, apiKey string, deprecationThreshold int, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:                store,
		httpClient:           &http.Client{Timeout: 30 * time.Second},
		breaker:              br,
		apiBase:              apiBase,
		apiKey:                apiKey,
		deprecationThreshold: deprecationThreshold,
		logger:               logger,
	}
}

// OnDeprecated registers a callback fired with the list of model IDs
// transitioned to deprecated in a sync round, used to drive ops notifications.
func (s *Syncer) OnDeprecated(fn func(modelIDs []string)) { s.onDeprecated = fn }

// Run performs one full catalogue sync round.
func (s *Syncer) Run(ctx context.Context) error {
	var models []providerModel
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/models", nil)
		if err != nil {
			return err
		}
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("catalogue sync: upstream returned %d", resp.StatusCode)
		}
		var body struct {
			Data []providerModel `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
		models = body.Data
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetching provider catalogue: %w", err)
	}

	seen := make([]string, 0, len(models))
	for _, m := range models {
		seen = append(seen, m.ID)
		entry := toEntry(m)
		if err := s.store.Upsert(ctx, entry); err != nil {
			s.logger.Error("catalogue sync: upsert failed", "model_id", m.ID, "error", err)
		}
	}

	deprecated, err := s.store.MarkMissedSyncs(ctx, seen, s.deprecationThreshold)
	if err != nil {
		return fmt.Errorf("marking missed syncs: %w", err)
	}
	if len(deprecated) > 0 {
		s.logger.Info("catalogue sync: deprecated models", "count", len(deprecated), "models", deprecated)
		if s.onDeprecated != nil {
			s.onDeprecated(deprecated)
		}
	}
	s.logger.Info("catalogue sync complete", "models_seen", len(seen))
	return nil
}

func toEntry(m providerModel) Entry {
	isEmbedding := m.Architecture.Modality == "text->embedding" || contains(m.Architecture.InputModal, "embedding")
	return Entry{
		ModelID:          m.ID,
		Provider:         providerFromID(m.ID),
		DisplayName:      m.Name,
		ContextWindow:    m.ContextLength,
		InputPricePer1K:  parsePricePer1K(m.Pricing.Prompt),
		OutputPricePer1K: parsePricePer1K(m.Pricing.Completion),
		SupportsTools:    contains(m.SupportedParameters, "tools"),
		SupportsVision:   contains(m.Architecture.InputModal, "image"),
		SupportsJSONMode: contains(m.SupportedParameters, "response_format"),
		IsEmbeddingModel: isEmbedding,
		Metadata:         map[string]any{"modality": m.Architecture.Modality},
	}
}

func providerFromID(modelID string) string {
	for i, r := range modelID {
		if r == '/' {
			return modelID[:i]
		}
	}
	return modelID
}

// parsePricePer1K converts the provider's per-token price string to a
// per-1000-token float, tolerating malformed input by returning 0.
func parsePricePer1K(perToken string) float64 {
	var v float64
	if _, err := fmt.Sscanf(perToken, "%g", &v); err != nil {
		return 0
	}
	return v * 1000
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
