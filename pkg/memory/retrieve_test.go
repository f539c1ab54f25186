package memory

import (
	"math"
	"testing"
	"time"
)

func TestRecencyScore_DecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := recencyScore(now, now)
	old := recencyScore(now.Add(-30*24*time.Hour), now)

	if fresh <= old {
		t.Fatalf("fresh score %v should exceed older score %v", fresh, old)
	}
	if fresh != 1.0 {
		t.Errorf("recencyScore(now, now) = %v, want 1.0", fresh)
	}
}

func TestRecencyScore_NegativeAgeClampedToZero(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	if got := recencyScore(future, now); got != 1.0 {
		t.Errorf("recencyScore() with a future createdAt = %v, want 1.0", got)
	}
}

func TestDecisionBoost(t *testing.T) {
	tests := []struct {
		name string
		item Scored
		want float64
	}{
		{"non-semantic scores zero", Scored{Kind: KindEpisodic, Status: "accepted"}, 0},
		{"accepted decision", Scored{Kind: KindSemantic, Status: "accepted"}, 1.0},
		{"active decision", Scored{Kind: KindSemantic, Status: "active"}, 0.7},
		{"other status", Scored{Kind: KindSemantic, Status: "proposed"}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decisionBoost(tt.item); got != tt.want {
				t.Errorf("decisionBoost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureImpact(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"mentions failure", "the deploy failed during rollout", 1.0},
		{"mentions error", "an error occurred in the handler", 1.0},
		{"mentions incident", "postmortem for the incident", 1.0},
		{"mentions fix", "applied a fix for the race", 0.6},
		{"neutral text", "decided to use postgres for storage", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureImpact(Scored{Body: tt.body}); got != tt.want {
				t.Errorf("failureImpact(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

func TestTaskRelevance_UsesEmbeddingWhenShapesMatch(t *testing.T) {
	item := Scored{Embedding: []float32{1, 0, 0}}
	got := taskRelevance(nil, item, []float32{1, 0, 0})
	if got != 1.0 {
		t.Errorf("taskRelevance() with identical embeddings = %v, want 1.0", got)
	}
}

func TestTaskRelevance_FallsBackToTokenOverlap(t *testing.T) {
	queryTokens := tokenize("payment retry logic")
	item := Scored{Title: "retry", Body: "the payment retry logic lives here"}
	got := taskRelevance(queryTokens, item, nil)
	if got <= 0 {
		t.Fatalf("taskRelevance() = %v, want > 0 given overlapping tokens", got)
	}
}

func TestTaskRelevance_NoQueryTextFallsBackToSalience(t *testing.T) {
	item := Scored{Salience: 0.42}
	got := taskRelevance(map[string]struct{}{}, item, nil)
	if got != 0.42 {
		t.Errorf("taskRelevance() with no query text = %v, want salience 0.42", got)
	}
}

func TestJaccard(t *testing.T) {
	a := tokenize("retry logic payment")
	b := tokenize("retry logic payment")
	if got := jaccard(a, b); got != 1.0 {
		t.Errorf("jaccard(identical sets) = %v, want 1.0", got)
	}

	c := tokenize("completely unrelated words here")
	if got := jaccard(a, c); got != 0 {
		t.Errorf("jaccard(disjoint sets) = %v, want 0", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("cosineSimilarity(identical vectors) = %v, want 1.0", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("cosineSimilarity(orthogonal vectors) = %v, want 0", got)
	}
}

func TestMaxSimilarity_EmptySelectionIsZero(t *testing.T) {
	if got := maxSimilarity(Scored{Title: "a", Body: "b"}, nil); got != 0 {
		t.Errorf("maxSimilarity() with no selection = %v, want 0", got)
	}
}

func TestMaxSimilarity_FindsMostSimilarSelected(t *testing.T) {
	cand := Scored{Title: "retry", Body: "payment retry logic"}
	selected := []ScoredResult{
		{Item: Scored{Title: "unrelated", Body: "completely different topic entirely"}},
		{Item: Scored{Title: "retry", Body: "payment retry logic duplicate"}},
	}
	got := maxSimilarity(cand, selected)
	if got <= 0.5 {
		t.Fatalf("maxSimilarity() = %v, want a high similarity against the near-duplicate", got)
	}
}

func TestTieBreakLess_PrefersNewerThenLowerID(t *testing.T) {
	now := time.Now()
	newer := Scored{ID: "S2", CreatedAt: now}
	older := Scored{ID: "S1", CreatedAt: now.Add(-time.Hour)}
	if !tieBreakLess(newer, older) {
		t.Fatal("a strictly newer item should tie-break ahead of an older one")
	}

	sameTimeA := Scored{ID: "S1", CreatedAt: now}
	sameTimeB := Scored{ID: "S2", CreatedAt: now}
	if !tieBreakLess(sameTimeA, sameTimeB) {
		t.Fatal("on equal timestamps, the lexicographically smaller ID should win the tie-break")
	}
}

func TestTokenize_DropsShortTokensAndLowercases(t *testing.T) {
	got := tokenize("A Retry of HTTP 500s on Day 1")
	if _, ok := got["retry"]; !ok {
		t.Error(`expected "retry" in tokenize output`)
	}
	if _, ok := got["a"]; ok {
		t.Error(`single-letter token "a" should be dropped`)
	}
	if _, ok := got["500s"]; !ok {
		t.Error(`expected "500s" in tokenize output`)
	}
}
