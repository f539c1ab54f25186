// Package memory implements the context-memory engine: ingestion
// (redact → extract → consolidate → persist), scored retrieval, and
// working-set assembly under a token budget (spec §3, §4.7–§4.10).
package memory

import (
	"bytes"
	"time"
)

// Kind discriminates the tagged Item variant (spec §9: "duck-typed any
// item" becomes a tagged variant with a common Scored view).
type Kind string

const (
	KindSemantic Kind = "semantic"
	KindEpisodic Kind = "episodic"
	KindArtifact Kind = "artifact"
)

// SemanticItem is durable, editable knowledge: decisions, facts, runbook
// entries.
type SemanticItem struct {
	ID        string // "S" + 12 hex
	Thread    string
	Kind      string // decision | fact | runbook | constraint | open_question
	Title     string
	Body      string
	Status    string // proposed | accepted | active | superseded
	Tags      []string
	Links     []string
	Salience  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpisodicItem is immutable evidence: a chat turn, diff hunk, or log
// excerpt.
type EpisodicItem struct {
	ID        string // "E" + 12 hex
	Thread    string
	Kind      string // chat_turn | diff_hunk | log_excerpt
	Title     string
	Snippet   string
	Source    string
	Hash      string
	Neighbors []string
	Salience  float64
	CreatedAt time.Time
}

// Artifact is a pointer to external content, addressed by ref
// ("CODE:path#Lstart-Lend").
type Artifact struct {
	Ref       string
	Thread    string
	Role      string // reference | evidence | fix_location
	Hash      string
	Neighbors []string
}

// Scored is the common view the retriever's scoring formula needs,
// regardless of which underlying variant an item is.
type Scored struct {
	ID        string
	Kind      Kind
	Thread    string
	Title     string
	Body      string // retrievable text: body, snippet, or ref
	Tags      []string
	Links     []string
	Status    string
	Priority  int // working-set task ordering; 0 if not a task
	Salience  float64
	CreatedAt time.Time
	Embedding []float32
}

// UsageStats are the monotonic per-item counters (spec §3).
type UsageStats struct {
	ItemID       string
	Workspace    string
	Clicks       int64
	References   int64
	Expansions   int64
	LastAccessed time.Time
}

// FeedbackKind is one of the feedback event kinds.
type FeedbackKind string

const (
	FeedbackUseful    FeedbackKind = "useful"
	FeedbackNotUseful FeedbackKind = "not_useful"
	FeedbackClick     FeedbackKind = "click"
	FeedbackReference FeedbackKind = "reference"
	// FeedbackExpansion is not a client-submitted feedback kind (it never
	// appears in the validated oneof on POST /feedback); it marks the
	// internal usage-stats bump recorded when /expand/{id}/raw is read.
	FeedbackExpansion FeedbackKind = "expansion"
)

// salienceDelta maps a feedback kind to its salience adjustment.
func salienceDelta(kind FeedbackKind, value *float64) float64 {
	switch kind {
	case FeedbackUseful:
		return 0.1
	case FeedbackNotUseful:
		return -0.15
	case FeedbackReference:
		return 0.05
	case FeedbackClick:
		return 0.02
	default:
		if value != nil {
			return *value
		}
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// estimateTokens approximates token count at roughly 4 characters per token,
// the same rule-of-thumb ratio pkg/proxy uses for streamed usage fallback,
// kept local here so the retriever and working-set assembler don't need to
// import the proxy package just for a character count.
func estimateTokens(text []byte) int64 {
	n := len(bytes.TrimSpace(text))
	if n == 0 {
		return 0
	}
	tokens := int64(n) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
