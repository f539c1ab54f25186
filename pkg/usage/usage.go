// Package usage implements the append-only usage ledger and daily quota
// check (spec §3, §4.11).
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctxmemory/gateway/internal/auth"
)

// Direction is one of the three meterable token directions.
type Direction string

const (
	DirectionPrompt     Direction = "prompt"
	DirectionCompletion Direction = "completion"
	DirectionEmbedding  Direction = "embedding"
)

// Entry is one ledger row.
type Entry struct {
	APIKeyHash string
	Workspace  string
	ModelID    string
	Direction  Direction
	Tokens     int64
	CostUSD    float64
	CreatedAt  time.Time
	Metadata   map[string]any
}

// Pricing is the per-1k-token price pair needed to cost a ledger entry.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Ledger is the relational store client for usage accounting.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Record appends up to three ledger rows (prompt/completion/embedding) in a
// single transaction, computing cost per direction from the model's prices.
// Zero-token directions are skipped entirely — spec seed scenario 1 expects
// "one ledger row per non-zero direction".
func (l *Ledger) Record(ctx context.Context, id *auth.Identity, modelID string, promptTokens, completionTokens, embedTokens int64, price Pricing, metadata map[string]any) error {
	rows := make([]Entry, 0, 3)
	if promptTokens > 0 {
		rows = append(rows, Entry{Direction: DirectionPrompt, Tokens: promptTokens, CostUSD: cost(promptTokens, price.InputPer1K)})
	}
	if completionTokens > 0 {
		rows = append(rows, Entry{Direction: DirectionCompletion, Tokens: completionTokens, CostUSD: cost(completionTokens, price.OutputPer1K)})
	}
	if embedTokens > 0 {
		rows = append(rows, Entry{Direction: DirectionEmbedding, Tokens: embedTokens, CostUSD: cost(embedTokens, price.InputPer1K)})
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning usage ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO usage_ledger
		(api_key_hash, workspace, model_id, direction, tokens, cost_usd, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6, now(), $7)`
	for _, row := range rows {
		if _, err := tx.Exec(ctx, q, id.APIKeyHash(), id.Workspace, modelID, row.Direction, row.Tokens, row.CostUSD, metadata); err != nil {
			return fmt.Errorf("inserting usage ledger row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func cost(tokens int64, pricePer1K float64) float64 {
	return float64(tokens) / 1000 * pricePer1K
}

// QuotaStatus describes the outcome of a daily quota check.
type QuotaStatus struct {
	Limit     int64
	Used      int64
	Remaining int64
	ResetUnix int64 // UTC end-of-day
	Exceeded  bool
}

// CheckDaily sums tokens for the key over [UTC-day-start, UTC-day-end) and
// compares against the key's daily quota. Quota is a pre-check: it is
// evaluated before the call, so the ledger itself may exceed it by at most
// one request's tokens (spec §8 invariant).
func (l *Ledger) CheckDaily(ctx context.Context, apiKeyHash string, dailyQuotaTokens int64) (QuotaStatus, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	const q = `SELECT COALESCE(SUM(tokens), 0) FROM usage_ledger
		WHERE api_key_hash = $1 AND created_at >= $2 AND created_at < $3`
	var used int64
	if err := l.pool.QueryRow(ctx, q, apiKeyHash, dayStart, dayEnd).Scan(&used); err != nil {
		return QuotaStatus{}, fmt.Errorf("summing daily usage: %w", err)
	}

	remaining := dailyQuotaTokens - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaStatus{
		Limit:     dailyQuotaTokens,
		Used:      used,
		Remaining: remaining,
		ResetUnix: dayEnd.Unix(),
		Exceeded:  dailyQuotaTokens > 0 && used >= dailyQuotaTokens,
	}, nil
}

// Summary is the {period, total, by_model, daily} shape backing GET /usage
// (supplemented feature, §C of SPEC_FULL).
type Summary struct {
	Period  string           `json:"period"`
	Total   int64            `json:"total"`
	ByModel map[string]int64 `json:"by_model"`
	Daily   []DailyPoint     `json:"daily"`
}

type DailyPoint struct {
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}

// Stats returns a usage summary for the key over the trailing `days` days.
func (l *Ledger) Stats(ctx context.Context, apiKeyHash string, days int) (Summary, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	const byModelQ = `SELECT model_id, SUM(tokens) FROM usage_ledger
		WHERE api_key_hash = $1 AND created_at >= $2 GROUP BY model_id`
	rows, err := l.pool.Query(ctx, byModelQ, apiKeyHash, since)
	if err != nil {
		return Summary{}, err
	}
	byModel := make(map[string]int64)
	var total int64
	for rows.Next() {
		var model string
		var tok int64
		if err := rows.Scan(&model, &tok); err != nil {
			rows.Close()
			return Summary{}, err
		}
		byModel[model] = tok
		total += tok
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	const dailyQ = `SELECT date_trunc('day', created_at)::date, SUM(tokens) FROM usage_ledger
		WHERE api_key_hash = $1 AND created_at >= $2 GROUP BY 1 ORDER BY 1`
	rows, err = l.pool.Query(ctx, dailyQ, apiKeyHash, since)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()
	var daily []DailyPoint
	for rows.Next() {
		var d time.Time
		var tok int64
		if err := rows.Scan(&d, &tok); err != nil {
			return Summary{}, err
		}
		daily = append(daily, DailyPoint{Date: d.Format("2006-01-02"), Tokens: tok})
	}

	return Summary{
		Period:  fmt.Sprintf("last_%d_days", days),
		Total:   total,
		ByModel: byModel,
		Daily:   daily,
	}, rows.Err()
}

// Aggregate rolls the previous UTC day's ledger rows into usage_daily_summary
// (one row per workspace/model/day), the aggregation half of the scheduled
// job set (spec §4.12) backing cheap historical queries without scanning the
// full ledger.
func (l *Ledger) Aggregate(ctx context.Context) (int64, error) {
	const q = `
		INSERT INTO usage_daily_summary (workspace, model_id, day, tokens, cost_usd)
		SELECT workspace, model_id, date_trunc('day', created_at)::date, SUM(tokens), SUM(cost_usd)
		FROM usage_ledger
		WHERE created_at >= date_trunc('day', now() - interval '1 day')
		  AND created_at < date_trunc('day', now())
		GROUP BY workspace, model_id, date_trunc('day', created_at)::date
		ON CONFLICT (workspace, model_id, day) DO UPDATE SET
			tokens = EXCLUDED.tokens, cost_usd = EXCLUDED.cost_usd`
	tag, err := l.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("aggregating daily usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Archive moves ledger rows older than one year into usage_ledger_archive,
// the archival half of the cleanup job (spec §4.12).
func (l *Ledger) Archive(ctx context.Context) (int64, error) {
	const q = `WITH moved AS (
		DELETE FROM usage_ledger WHERE created_at < now() - interval '1 year'
		RETURNING *
	)
	INSERT INTO usage_ledger_archive SELECT * FROM moved`
	tag, err := l.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
