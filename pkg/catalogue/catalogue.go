// Package catalogue implements the model catalogue entry (§3), its
// relational store, and the resolver that picks the model a request
// actually uses (§4.4).
package catalogue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the catalogue entry's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Purpose is what a model is being resolved for.
type Purpose string

const (
	PurposeChat      Purpose = "chat"
	PurposeEmbedding Purpose = "embeddings"
)

// Entry is one model catalogue row.
type Entry struct {
	ModelID           string
	Provider          string
	DisplayName       string
	ContextWindow     int
	InputPricePer1K   float64
	OutputPricePer1K  float64
	SupportsTools     bool
	SupportsVision    bool
	SupportsJSONMode  bool
	IsEmbeddingModel  bool
	Status            Status
	LastSeenAt        time.Time
	MissedSyncs       int
	Metadata          map[string]any
}

// Store is the relational store client for the model catalogue (component
// #2's catalogue slice).
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns a single catalogue entry by model_id.
func (s *Store) Get(ctx context.Context, modelID string) (*Entry, error) {
	const q = `SELECT model_id, provider, display_name, context_window,
		input_price_per_1k, output_price_per_1k, supports_tools, supports_vision,
		supports_json_mode, is_embedding_model, status, last_seen_at, missed_syncs, metadata
		FROM model_catalogue WHERE model_id = $1`
	row := s.pool.QueryRow(ctx, q, modelID)
	return scanEntry(row)
}

// List returns every catalogue entry, optionally filtered to active-only.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]Entry, error) {
	q := `SELECT model_id, provider, display_name, context_window,
		input_price_per_1k, output_price_per_1k, supports_tools, supports_vision,
		supports_json_mode, is_embedding_model, status, last_seen_at, missed_syncs, metadata
		FROM model_catalogue`
	if activeOnly {
		q += ` WHERE status = 'active'`
	}
	q += ` ORDER BY model_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ModelID, &e.Provider, &e.DisplayName, &e.ContextWindow,
		&e.InputPricePer1K, &e.OutputPricePer1K, &e.SupportsTools, &e.SupportsVision,
		&e.SupportsJSONMode, &e.IsEmbeddingModel, &e.Status, &e.LastSeenAt, &e.MissedSyncs, &e.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ErrNotFound is returned when a model_id has no catalogue row.
var ErrNotFound = errors.New("model not found")

// Upsert inserts or updates one catalogue row by model_id, resetting
// missed_syncs to 0 and refreshing last_seen_at — used by the sync job.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	const q = `INSERT INTO model_catalogue
		(model_id, provider, display_name, context_window, input_price_per_1k,
		 output_price_per_1k, supports_tools, supports_vision, supports_json_mode,
		 is_embedding_model, status, last_seen_at, missed_syncs, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'active', now(), 0, $11)
		ON CONFLICT (model_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			display_name = EXCLUDED.display_name,
			context_window = EXCLUDED.context_window,
			input_price_per_1k = EXCLUDED.input_price_per_1k,
			output_price_per_1k = EXCLUDED.output_price_per_1k,
			supports_tools = EXCLUDED.supports_tools,
			supports_vision = EXCLUDED.supports_vision,
			supports_json_mode = EXCLUDED.supports_json_mode,
			is_embedding_model = EXCLUDED.is_embedding_model,
			status = 'active',
			last_seen_at = now(),
			missed_syncs = 0,
			metadata = EXCLUDED.metadata`
	_, err := s.pool.Exec(ctx, q, e.ModelID, e.Provider, e.DisplayName, e.ContextWindow,
		e.InputPricePer1K, e.OutputPricePer1K, e.SupportsTools, e.SupportsVision,
		e.SupportsJSONMode, e.IsEmbeddingModel, e.Metadata)
	return err
}

// MarkMissedSyncs increments missed_syncs for every active model not present
// in seenModelIDs this sync round, transitioning to deprecated once the
// count reaches deprecationThreshold. Never deletes rows (spec §4.12).
func (s *Store) MarkMissedSyncs(ctx context.Context, seenModelIDs []string, deprecationThreshold int) (deprecated []string, err error) {
	const selectStale = `SELECT model_id FROM model_catalogue
		WHERE status = 'active' AND NOT (model_id = ANY($1))`
	rows, err := s.pool.Query(ctx, selectStale, seenModelIDs)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	const bump = `UPDATE model_catalogue SET missed_syncs = missed_syncs + 1
		WHERE model_id = ANY($1)
		RETURNING model_id, missed_syncs`
	rows, err = s.pool.Query(ctx, bump, stale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var toDeprecate []string
	for rows.Next() {
		var id string
		var missed int
		if err := rows.Scan(&id, &missed); err != nil {
			return nil, err
		}
		if missed >= deprecationThreshold {
			toDeprecate = append(toDeprecate, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(toDeprecate) == 0 {
		return nil, nil
	}

	const deprecate = `UPDATE model_catalogue SET status = 'deprecated' WHERE model_id = ANY($1)`
	if _, err := s.pool.Exec(ctx, deprecate, toDeprecate); err != nil {
		return nil, err
	}
	return toDeprecate, nil
}
