package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is the common subset of *pgxpool.Pool and pgx.Tx that the mutation
// helpers below need, letting RecordFeedback run them against a transaction
// while every other caller runs them straight against the pool.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when an item lookup by ID finds nothing.
var ErrNotFound = errors.New("memory: item not found")

// Store is the relational persistence layer for semantic items, episodic
// items, artifacts, embeddings, and usage stats (spec §3).
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// UpsertSemantic inserts a new semantic item, or, on ID collision
// (content-derived, so a collision means the same thread+kind+title was seen
// again), merges it into the existing row per the §4.8 merge rule: union
// tags and links, keep the higher salience, and replace body only if the new
// body is strictly longer and contains the old one as a substring. Reports
// whether the row was newly inserted, so the caller can distinguish an add
// from an update.
func (s *Store) UpsertSemantic(ctx context.Context, it SemanticItem) (inserted bool, err error) {
	const q = `
		INSERT INTO semantic_items (id, thread_id, kind, title, body, status, tags, links, salience, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			body = CASE
				WHEN length(EXCLUDED.body) > length(semantic_items.body)
					AND position(semantic_items.body in EXCLUDED.body) > 0
				THEN EXCLUDED.body
				ELSE semantic_items.body
			END,
			tags = (SELECT array_agg(DISTINCT t) FROM unnest(semantic_items.tags || EXCLUDED.tags) AS t),
			links = (SELECT array_agg(DISTINCT l) FROM unnest(semantic_items.links || EXCLUDED.links) AS l),
			salience = GREATEST(semantic_items.salience, EXCLUDED.salience),
			updated_at = now()
		RETURNING (xmax = 0) AS inserted`
	row := s.pool.QueryRow(ctx, q, it.ID, it.Thread, it.Kind, it.Title, it.Body, it.Status, it.Tags, it.Links, it.Salience)
	if err := row.Scan(&inserted); err != nil {
		return false, fmt.Errorf("upserting semantic item %s: %w", it.ID, err)
	}
	return inserted, nil
}

// UpdateSemanticStatus changes a semantic item's lifecycle status, e.g.
// superseding a decision (spec §4.8).
func (s *Store) UpdateSemanticStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE semantic_items SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustSalience applies a bounded delta to an item's salience (spec §4.11:
// feedback-driven reinforcement), clamped to [0, 1].
func (s *Store) AdjustSalience(ctx context.Context, kind Kind, id string, delta float64) error {
	return s.adjustSalience(ctx, s.pool, kind, id, delta)
}

func (s *Store) adjustSalience(ctx context.Context, db dbtx, kind Kind, id string, delta float64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET salience = LEAST(1, GREATEST(0, salience + $2)) WHERE id = $1`, table)
	tag, err := db.Exec(ctx, q, id, delta)
	if err != nil {
		return fmt.Errorf("adjusting salience of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindSemantic:
		return "semantic_items", nil
	case KindEpisodic:
		return "episodic_items", nil
	default:
		return "", fmt.Errorf("salience adjustment not supported for kind %q", kind)
	}
}

// InsertEpisodic inserts an episodic item, no-op on hash collision (episodic
// items are immutable, so re-ingesting identical evidence is a pure dedup).
// Reports whether the row was newly inserted.
func (s *Store) InsertEpisodic(ctx context.Context, it EpisodicItem) (inserted bool, err error) {
	const q = `
		INSERT INTO episodic_items (id, thread_id, kind, title, snippet, source, hash, neighbors, salience, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, it.ID, it.Thread, it.Kind, it.Title, it.Snippet, it.Source, it.Hash, it.Neighbors, it.Salience)
	if err != nil {
		return false, fmt.Errorf("inserting episodic item %s: %w", it.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertArtifact inserts or refreshes an artifact reference. Reports whether
// the row was newly inserted.
func (s *Store) UpsertArtifact(ctx context.Context, a Artifact) (inserted bool, err error) {
	const q = `
		INSERT INTO artifacts (ref, thread_id, role, hash, neighbors, created_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (ref) DO UPDATE SET role = EXCLUDED.role
		RETURNING (xmax = 0) AS inserted`
	row := s.pool.QueryRow(ctx, q, a.Ref, a.Thread, a.Role, a.Hash, a.Neighbors)
	if err := row.Scan(&inserted); err != nil {
		return false, fmt.Errorf("upserting artifact %s: %w", a.Ref, err)
	}
	return inserted, nil
}

// LinkNeighbors records a bidirectional graph edge between two item IDs
// (spec §4.9 GraphDegree factor), stored denormalised on both rows.
func (s *Store) LinkNeighbors(ctx context.Context, aKind Kind, aID string, bKind Kind, bID string) error {
	if err := s.appendNeighbor(ctx, aKind, aID, bID); err != nil {
		return err
	}
	return s.appendNeighbor(ctx, bKind, bID, aID)
}

func (s *Store) appendNeighbor(ctx context.Context, kind Kind, id, neighbor string) error {
	var table, keyCol string
	switch kind {
	case KindEpisodic:
		table, keyCol = "episodic_items", "id"
	case KindArtifact:
		table, keyCol = "artifacts", "ref"
	default:
		return nil // semantic items link via Links field, not neighbors
	}
	q := fmt.Sprintf(`UPDATE %s SET neighbors = array_append(neighbors, $2)
		WHERE %s = $1 AND NOT ($2 = ANY(neighbors))`, table, keyCol)
	_, err := s.pool.Exec(ctx, q, id, neighbor)
	return err
}

// SetEmbedding stores the embedding vector for an item.
func (s *Store) SetEmbedding(ctx context.Context, itemID string, kind Kind, vec []float32) error {
	const q = `
		INSERT INTO embeddings (item_id, kind, vector, created_at)
		VALUES ($1,$2,$3, now())
		ON CONFLICT (item_id) DO UPDATE SET vector = EXCLUDED.vector`
	_, err := s.pool.Exec(ctx, q, itemID, kind, float32SliceToPG(vec))
	if err != nil {
		return fmt.Errorf("storing embedding for %s: %w", itemID, err)
	}
	return nil
}

// float32SliceToPG adapts a []float32 to the pgvector text input format
// ("[0.1,0.2,...]"); kept as a small local helper rather than pulling in the
// pgvector-go client, since this is the only vector operation needed here.
func float32SliceToPG(vec []float32) string {
	out := make([]byte, 0, len(vec)*8+2)
	out = append(out, '[')
	for i, v := range vec {
		if i > 0 {
			out = append(out, ',')
		}
		out = fmt.Appendf(out, "%v", v)
	}
	out = append(out, ']')
	return string(out)
}

// ThreadItems lists every semantic/episodic/artifact row for a thread, the
// candidate pool the retriever scores (spec §4.9).
func (s *Store) ThreadItems(ctx context.Context, thread string) ([]Scored, error) {
	var out []Scored

	semRows, err := s.pool.Query(ctx, `
		SELECT id, title, body, status, tags, links, salience, created_at
		FROM semantic_items WHERE thread_id = $1 AND status != 'superseded'`, thread)
	if err != nil {
		return nil, fmt.Errorf("listing semantic items: %w", err)
	}
	for semRows.Next() {
		var sc Scored
		sc.Kind = KindSemantic
		sc.Thread = thread
		if err := semRows.Scan(&sc.ID, &sc.Title, &sc.Body, &sc.Status, &sc.Tags, &sc.Links, &sc.Salience, &sc.CreatedAt); err != nil {
			semRows.Close()
			return nil, err
		}
		out = append(out, sc)
	}
	semRows.Close()
	if err := semRows.Err(); err != nil {
		return nil, err
	}

	epRows, err := s.pool.Query(ctx, `
		SELECT id, title, snippet, salience, created_at, neighbors
		FROM episodic_items WHERE thread_id = $1`, thread)
	if err != nil {
		return nil, fmt.Errorf("listing episodic items: %w", err)
	}
	for epRows.Next() {
		var sc Scored
		sc.Kind = KindEpisodic
		sc.Thread = thread
		if err := epRows.Scan(&sc.ID, &sc.Title, &sc.Body, &sc.Salience, &sc.CreatedAt, &sc.Links); err != nil {
			epRows.Close()
			return nil, err
		}
		out = append(out, sc)
	}
	epRows.Close()
	if err := epRows.Err(); err != nil {
		return nil, err
	}

	artRows, err := s.pool.Query(ctx, `
		SELECT ref, role, neighbors, created_at FROM artifacts WHERE thread_id = $1`, thread)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	for artRows.Next() {
		var sc Scored
		sc.Kind = KindArtifact
		sc.Thread = thread
		sc.Salience = 0.5
		if err := artRows.Scan(&sc.ID, &sc.Status, &sc.Links, &sc.CreatedAt); err != nil {
			artRows.Close()
			return nil, err
		}
		sc.Title = sc.ID
		sc.Body = sc.ID
		out = append(out, sc)
	}
	artRows.Close()
	if err := artRows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Get fetches a single item by ID, searching all three tables (spec §4.x
// expand endpoint needs the full record, not just the Scored view).
func (s *Store) Get(ctx context.Context, id string) (*Scored, error) {
	var sc Scored
	row := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, 'semantic', title, body, status, tags, links, salience, created_at
		FROM semantic_items WHERE id = $1`, id)
	if err := row.Scan(&sc.ID, &sc.Thread, &sc.Kind, &sc.Title, &sc.Body, &sc.Status, &sc.Tags, &sc.Links, &sc.Salience, &sc.CreatedAt); err == nil {
		return &sc, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	row = s.pool.QueryRow(ctx, `
		SELECT id, thread_id, 'episodic', title, snippet, salience, created_at, neighbors
		FROM episodic_items WHERE id = $1`, id)
	if err := row.Scan(&sc.ID, &sc.Thread, &sc.Kind, &sc.Title, &sc.Body, &sc.Salience, &sc.CreatedAt, &sc.Links); err == nil {
		return &sc, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	row = s.pool.QueryRow(ctx, `
		SELECT ref, thread_id, 'artifact', role, neighbors, created_at
		FROM artifacts WHERE ref = $1`, id)
	var role string
	if err := row.Scan(&sc.ID, &sc.Thread, &sc.Kind, &role, &sc.Links, &sc.CreatedAt); err == nil {
		sc.Title, sc.Body, sc.Status = sc.ID, sc.ID, role
		return &sc, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return nil, ErrNotFound
}

// TouchUsage increments the per-item usage counter named by kind (click,
// reference, expansion) and refreshes LastAccessed.
func (s *Store) TouchUsage(ctx context.Context, workspace, itemID string, kind FeedbackKind) error {
	return s.touchUsage(ctx, s.pool, workspace, itemID, kind)
}

func (s *Store) touchUsage(ctx context.Context, db dbtx, workspace, itemID string, kind FeedbackKind) error {
	var col string
	switch kind {
	case FeedbackClick:
		col = "clicks"
	case FeedbackReference:
		col = "reference_count"
	default:
		col = "expansions"
	}
	q := fmt.Sprintf(`
		INSERT INTO usage_stats (item_id, workspace, %s, last_accessed)
		VALUES ($1,$2,1, now())
		ON CONFLICT (item_id) DO UPDATE SET %s = usage_stats.%s + 1, last_accessed = now()`, col, col, col)
	_, err := db.Exec(ctx, q, itemID, workspace)
	return err
}

// UsageFreq returns the normalized usage-frequency signal for an item used
// by the retriever's scoring formula (spec §4.9): the click count plus twice
// the reference count, divided by a saturating constant of 20, clamped to
// [0,1].
func (s *Store) UsageFreq(ctx context.Context, itemID string) (float64, error) {
	const q = `SELECT clicks, reference_count FROM usage_stats WHERE item_id = $1`
	var clicks, refs int64
	err := s.pool.QueryRow(ctx, q, itemID).Scan(&clicks, &refs)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return clamp01(float64(clicks+refs*2) / 20.0), nil
}

// RecordFeedback applies a feedback event: bumps usage stats and adjusts
// item salience (spec §4.11).
func (s *Store) RecordFeedback(ctx context.Context, workspace string, kind Kind, itemID string, fb FeedbackKind, explicitValue *float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.touchUsage(ctx, tx, workspace, itemID, fb); err != nil {
		return fmt.Errorf("touching usage stats: %w", err)
	}
	if err := s.adjustSalience(ctx, tx, kind, itemID, salienceDelta(fb, explicitValue)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("adjusting salience: %w", err)
	}
	return tx.Commit(ctx)
}

// PurgeAged deletes low-salience episodic items and superseded semantic
// items last touched before maxAge, returning the count removed (spec
// §4.12 scheduled cleanup job).
func (s *Store) PurgeAged(ctx context.Context, maxAge time.Duration) (int64, error) {
	var total int64
	tags := make([]pgx.CommandTag, 0, 2)

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM episodic_items e WHERE e.created_at < now() - $1::interval
		AND e.salience < 0.1
		AND NOT EXISTS (
			SELECT 1 FROM usage_stats u WHERE u.item_id = e.id AND u.last_accessed > now() - $1::interval
		)`, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("purging aged episodic items: %w", err)
	}
	tags = append(tags, tag)

	tag, err = s.pool.Exec(ctx, `DELETE FROM semantic_items WHERE status = 'superseded' AND updated_at < now() - $1::interval`, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("purging superseded semantic items: %w", err)
	}
	tags = append(tags, tag)

	for _, t := range tags {
		total += t.RowsAffected()
	}
	return total, nil
}

// ItemsMissingEmbedding returns up to limit semantic/episodic items that
// have no row in embeddings yet, the candidate set for the embedding
// generation job (spec §4.12: "skips items that already have a vector").
func (s *Store) ItemsMissingEmbedding(ctx context.Context, limit int) ([]Scored, error) {
	const q = `
		SELECT id, thread_id, 'semantic', title, body, salience, created_at FROM semantic_items s
		WHERE NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.item_id = s.id)
		UNION ALL
		SELECT id, thread_id, 'episodic', title, snippet, salience, created_at FROM episodic_items p
		WHERE NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.item_id = p.id)
		LIMIT $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("listing items missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var sc Scored
		if err := rows.Scan(&sc.ID, &sc.Thread, &sc.Kind, &sc.Title, &sc.Body, &sc.Salience, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
