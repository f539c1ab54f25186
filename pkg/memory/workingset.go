package memory

import (
	"context"
	"sort"
)

// Section is one named slice of the assembled working set (spec §4.10).
type Section struct {
	Name  string
	Items []ScoredResult
}

// WorkingSet is the full assembled context handed to a caller ahead of a
// task, split into sections each with its own token allowance.
type WorkingSet struct {
	Thread      string
	Sections    []Section
	TotalTokens int64
	Truncated   bool
}

// sectionBudget is one named section's share of the overall token budget.
// Order here is the deterministic section ordering in the response (spec
// §4.10: "sections appear in a fixed order").
type sectionBudget struct {
	name   string
	kind   Kind
	weight float64
}

var defaultSections = []sectionBudget{
	{name: "decisions", kind: KindSemantic, weight: 0.35},
	{name: "open_questions", kind: KindSemantic, weight: 0.15},
	{name: "recent_activity", kind: KindEpisodic, weight: 0.30},
	{name: "artifacts", kind: KindArtifact, weight: 0.20},
}

// Assembler builds working sets from retrieval results.
type Assembler struct {
	retriever *Retriever
}

func NewAssembler(retriever *Retriever) *Assembler {
	return &Assembler{retriever: retriever}
}

// Assemble runs one retrieval pass per section kind, each under its slice of
// tokenBudget, and orders tasks (semantic items carrying a nonzero Priority)
// by (priority, score) within the decisions section per spec §4.10.
func (a *Assembler) Assemble(ctx context.Context, thread, taskText string, queryEmbedding []float32, tokenBudget int64, maxItemsPerSection int) (WorkingSet, error) {
	ws := WorkingSet{Thread: thread}

	for _, sb := range defaultSections {
		budget := int64(float64(tokenBudget) * sb.weight)
		results, err := a.retriever.Retrieve(ctx, Query{
			Thread:      thread,
			Text:        taskText,
			Embedding:   queryEmbedding,
			MaxItems:    maxItemsPerSection,
			TokenBudget: budget,
		})
		if err != nil {
			return ws, err
		}

		filtered := filterByKindAndSection(results, sb)
		if sb.name == "decisions" {
			orderTasksFirst(filtered)
		}

		var sectionTokens int64
		for _, r := range filtered {
			sectionTokens += estimateTokens([]byte(r.Item.Body))
		}

		ws.Sections = append(ws.Sections, Section{Name: sb.name, Items: filtered})
		ws.TotalTokens += sectionTokens
	}

	if ws.TotalTokens > tokenBudget {
		ws.Truncated = true
	}

	return ws, nil
}

func filterByKindAndSection(results []ScoredResult, sb sectionBudget) []ScoredResult {
	var out []ScoredResult
	for _, r := range results {
		if r.Item.Kind != sb.kind {
			continue
		}
		if sb.name == "open_questions" && r.Item.Status != "active" {
			continue
		}
		if sb.name == "decisions" && r.Item.Status == "active" {
			// active semantic items belong to open_questions, not decisions.
			continue
		}
		out = append(out, r)
	}
	return out
}

// orderTasksFirst reorders items with nonzero Priority to the front,
// ordered by (priority asc, score desc), leaving non-task items in their
// existing score order behind them (spec §4.10).
func orderTasksFirst(items []ScoredResult) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].Item.Priority, items[j].Item.Priority
		if pi != 0 && pj != 0 {
			if pi != pj {
				return pi < pj
			}
			return items[i].Score > items[j].Score
		}
		if pi != 0 {
			return true
		}
		if pj != 0 {
			return false
		}
		return false // stable: preserve existing score order among non-tasks
	})
}
