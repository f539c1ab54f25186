package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
)

// recencyHalfLife is τ in the recency decay term (spec §4.9).
const recencyHalfLife = 14 * 24 * time.Hour

// Retriever scores and selects items for a query under a token budget
// (spec §4.9).
type Retriever struct {
	store *Store
}

func NewRetriever(store *Store) *Retriever {
	return &Retriever{store: store}
}

// Query parameterizes a retrieval call.
type Query struct {
	Thread      string
	Text        string   // free-text task description, scored via token overlap / embedding if present
	Embedding   []float32
	MaxItems    int
	TokenBudget int64
}

// ScoredResult pairs a Scored item with its final retrieval score.
type ScoredResult struct {
	Item  Scored
	Score float64
}

// candidate holds one pool item's component scores ahead of greedy
// selection (spec §4.9).
type candidate struct {
	item          Scored
	taskRel       float64
	decision      float64
	recency       float64
	graphDegree   float64
	failureImpact float64
	usageFreq     float64
}

// Retrieve implements the greedy selection loop: score every candidate,
// repeatedly pick the highest-scoring remaining item, then recompute every
// remaining item's Redundancy term against the updated selection before the
// next pick (spec §4.9 — redundancy must reflect what's already chosen, not
// a static pairwise matrix).
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]ScoredResult, error) {
	pool, err := r.store.ThreadItems(ctx, q.Thread)
	if err != nil {
		return nil, err
	}

	queryTokens := tokenize(q.Text)
	now := time.Now()

	cands := make([]candidate, 0, len(pool))
	for _, it := range pool {
		uf, err := r.store.UsageFreq(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		cands = append(cands, candidate{
			item:          it,
			taskRel:       taskRelevance(queryTokens, it, q.Embedding),
			decision:      decisionBoost(it),
			recency:       recencyScore(it.CreatedAt, now),
			graphDegree:   clamp01(float64(len(it.Links)) / 8.0),
			failureImpact: failureImpact(it),
			usageFreq:     uf,
		})
	}

	limit := q.MaxItems
	if limit <= 0 || limit > len(cands) {
		limit = len(cands)
	}

	var selected []ScoredResult
	var tokenTotal int64
	chosen := make(map[int]bool, limit)

	for len(selected) < limit {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i, c := range cands {
			if chosen[i] {
				continue
			}
			redundancy := maxSimilarity(c.item, selected)
			score := 0.28*c.taskRel + 0.22*c.decision + 0.16*c.recency + 0.12*c.graphDegree +
				0.12*c.failureImpact + 0.08*c.usageFreq - 0.06*redundancy

			if bestIdx == -1 || score > bestScore || (score == bestScore && tieBreakLess(c.item, cands[bestIdx].item)) {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}

		itemTokens := estimateTokens([]byte(cands[bestIdx].item.Body))
		if q.TokenBudget > 0 && tokenTotal+itemTokens > q.TokenBudget && len(selected) > 0 {
			break
		}

		chosen[bestIdx] = true
		tokenTotal += itemTokens
		selected = append(selected, ScoredResult{Item: cands[bestIdx].item, Score: bestScore})
	}

	return selected, nil
}

// tieBreakLess orders by (CreatedAt desc, ID asc) when scores are exactly
// equal, keeping selection deterministic (spec §8: retrieval is
// deterministic for a fixed snapshot and query).
func tieBreakLess(challenger, best Scored) bool {
	if challenger.CreatedAt.After(best.CreatedAt) {
		return true
	}
	if challenger.CreatedAt.Equal(best.CreatedAt) {
		return challenger.ID < best.ID
	}
	return false
}

func recencyScore(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-float64(age) / float64(recencyHalfLife))
}

func decisionBoost(it Scored) float64 {
	if it.Kind != KindSemantic {
		return 0
	}
	switch {
	case strings.Contains(it.Status, "accepted"):
		return 1.0
	case strings.Contains(it.Status, "active"):
		return 0.7
	default:
		return 0.3
	}
}

func failureImpact(it Scored) float64 {
	lower := strings.ToLower(it.Body)
	switch {
	case strings.Contains(lower, "fail"), strings.Contains(lower, "error"), strings.Contains(lower, "incident"):
		return 1.0
	case strings.Contains(lower, "fix"), strings.Contains(lower, "bug"):
		return 0.6
	default:
		return 0
	}
}

func taskRelevance(queryTokens map[string]struct{}, it Scored, queryEmbedding []float32) float64 {
	if len(queryEmbedding) > 0 && len(it.Embedding) == len(queryEmbedding) {
		return clamp01(cosineSimilarity(queryEmbedding, it.Embedding))
	}
	if len(queryTokens) == 0 {
		return it.Salience
	}
	itemTokens := tokenize(it.Title + " " + it.Body)
	if len(itemTokens) == 0 {
		return 0
	}
	overlap := 0
	for t := range queryTokens {
		if _, ok := itemTokens[t]; ok {
			overlap++
		}
	}
	return clamp01(float64(overlap) / float64(len(queryTokens)))
}

// maxSimilarity returns the highest lexical similarity between candidate
// and any already-selected item — the Redundancy term, recomputed fresh
// against the growing selection on every iteration.
func maxSimilarity(candidate Scored, selected []ScoredResult) float64 {
	if len(selected) == 0 {
		return 0
	}
	candTokens := tokenize(candidate.Title + " " + candidate.Body)
	if len(candTokens) == 0 {
		return 0
	}
	var maxSim float64
	for _, s := range selected {
		otherTokens := tokenize(s.Item.Title + " " + s.Item.Body)
		sim := jaccard(candTokens, otherTokens)
		if sim > maxSim {
			maxSim = sim
		}
	}
	return maxSim
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// sortByScore orders results descending by score, stable on ties so the
// selection order (already deterministic) is preserved.
func sortByScore(results []ScoredResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
