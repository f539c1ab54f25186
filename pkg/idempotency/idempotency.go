// Package idempotency implements the idempotency cache (spec §4.6): keyed
// response memoisation for non-streaming requests, with conflict detection
// on request-fingerprint mismatch.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one stored idempotency row.
type Record struct {
	IdempotencyKey string
	APIKeyHash     string
	RequestHash    string
	ResponseBody   []byte
	CreatedAt      time.Time
}

// ErrConflict is returned when the same idempotency key is reused with a
// different request_hash or api_key_hash.
var ErrConflict = errors.New("idempotency key reused with a different request")

// Store persists idempotency records in the relational store.
type Store struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

func NewStore(pool *pgxpool.Pool, retentionDays int) *Store {
	return &Store{pool: pool, retention: time.Duration(retentionDays) * 24 * time.Hour}
}

// RequestHash computes sha256(canonical_json(body \ {metadata, stream})).
// body is the raw decoded JSON object; metadata and stream are stripped so
// retries that only change those fields still match.
func RequestHash(body map[string]any) string {
	stripped := make(map[string]any, len(body))
	for k, v := range body {
		if k == "metadata" || k == "stream" {
			continue
		}
		stripped[k] = v
	}
	canon := canonicalJSON(stripped)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v with sorted map keys at every level, giving a
// stable byte representation regardless of the original key order.
func canonicalJSON(v any) []byte {
	b, _ := json.Marshal(sortedValue(v))
	return b
}

func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		// encoding/json already sorts map[string]any keys on Marshal, so no
		// extra work is needed beyond recursing into nested values.
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = sortedValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = sortedValue(vv)
		}
		return out
	default:
		return v
	}
}

// Lookup returns the stored record for idempotencyKey, or nil if none exists.
func (s *Store) Lookup(ctx context.Context, idempotencyKey string) (*Record, error) {
	const q = `SELECT idempotency_key, api_key_hash, request_hash, response_body, created_at
		FROM idempotency_records WHERE idempotency_key = $1`
	var rec Record
	err := s.pool.QueryRow(ctx, q, idempotencyKey).Scan(
		&rec.IdempotencyKey, &rec.APIKeyHash, &rec.RequestHash, &rec.ResponseBody, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up idempotency record: %w", err)
	}
	return &rec, nil
}

// Check resolves an idempotency key against a new request: returns the
// cached response to replay if the fingerprint matches, ErrConflict if it
// was reused with a different request_hash/api_key_hash, or (nil, nil) if
// this is a fresh key that should proceed to the handler.
func (s *Store) Check(ctx context.Context, idempotencyKey, apiKeyHash, requestHash string) ([]byte, error) {
	rec, err := s.Lookup(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.APIKeyHash != apiKeyHash || rec.RequestHash != requestHash {
		return nil, ErrConflict
	}
	return rec.ResponseBody, nil
}

// Store persists a new record after a successful (non-replayed) call. It is
// the final step before replying (spec §5 ordering): a crash between
// upstream success and this write is observable as a retried request
// producing a fresh upstream call, which is acceptable.
func (s *Store) Store(ctx context.Context, idempotencyKey, apiKeyHash, requestHash string, responseBody []byte) error {
	const q = `INSERT INTO idempotency_records (idempotency_key, api_key_hash, request_hash, response_body, created_at)
		VALUES ($1,$2,$3,$4, now())
		ON CONFLICT (idempotency_key) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, idempotencyKey, apiKeyHash, requestHash, responseBody)
	if err != nil {
		return fmt.Errorf("storing idempotency record: %w", err)
	}
	return nil
}

// Sweep deletes records older than the configured retention.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	const q = `DELETE FROM idempotency_records WHERE created_at < now() - $1::interval`
	tag, err := s.pool.Exec(ctx, q, s.retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
