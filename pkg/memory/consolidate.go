package memory

import (
	"context"
	"fmt"
	"strings"
)

// Consolidator merges freshly extracted candidates into the persisted
// thread state, deduplicating against what is already stored (spec §4.8).
// Re-running consolidation on the same candidates is idempotent: content
// IDs collide on conflict, and link edges are only appended once.
type Consolidator struct {
	store *Store
}

func NewConsolidator(store *Store) *Consolidator {
	return &Consolidator{store: store}
}

// Result reports what a consolidation pass actually wrote, for the ingest
// response body (spec §6 /ingest response, §7 partial-failure reporting, §8
// idempotent-ingestion invariant: re-ingesting unchanged material yields an
// empty AddedIDs).
type Result struct {
	AddedIDs   []string
	UpdatedIDs []string
	Superseded []string
}

// Consolidate persists a Candidate. A semantic candidate whose normalized
// title matches a stored, non-superseded semantic item with a different ID
// (IDs hash thread, kind and title, so one of a different kind) marks that
// item superseded and takes over its tags; a candidate of the same kind and
// title shares the stored item's ID and is merged by UpsertSemantic. Episodic
// items and artifacts from the same ingestion batch are linked as neighbors.
func (c *Consolidator) Consolidate(ctx context.Context, thread string, cand Candidate) (Result, error) {
	var res Result

	existing, err := c.store.ThreadItems(ctx, thread)
	if err != nil {
		return res, fmt.Errorf("loading existing thread items: %w", err)
	}
	existingByTitle := make(map[string]Scored, len(existing))
	for _, it := range existing {
		if it.Kind == KindSemantic {
			existingByTitle[normalizeTitle(it.Title)] = it
		}
	}

	for _, it := range cand.Semantic {
		key := normalizeTitle(it.Title)
		if prior, ok := existingByTitle[key]; ok && prior.ID != it.ID && it.Kind != "" {
			if err := c.store.UpdateSemanticStatus(ctx, prior.ID, "superseded"); err != nil {
				return res, fmt.Errorf("superseding %s: %w", prior.ID, err)
			}
			res.Superseded = append(res.Superseded, prior.ID)
			it.Tags = mergeTags(prior.Tags, it.Tags)
		}
		inserted, err := c.store.UpsertSemantic(ctx, it)
		if err != nil {
			return res, err
		}
		if inserted {
			res.AddedIDs = append(res.AddedIDs, it.ID)
		} else {
			res.UpdatedIDs = append(res.UpdatedIDs, it.ID)
		}
	}

	for _, it := range cand.Episodic {
		inserted, err := c.store.InsertEpisodic(ctx, it)
		if err != nil {
			return res, err
		}
		if inserted {
			res.AddedIDs = append(res.AddedIDs, it.ID)
		}
	}

	for _, a := range cand.Artifact {
		inserted, err := c.store.UpsertArtifact(ctx, a)
		if err != nil {
			return res, err
		}
		if inserted {
			res.AddedIDs = append(res.AddedIDs, a.Ref)
		} else {
			res.UpdatedIDs = append(res.UpdatedIDs, a.Ref)
		}
	}

	if err := c.linkBatch(ctx, cand); err != nil {
		return res, fmt.Errorf("linking batch neighbors: %w", err)
	}

	return res, nil
}

// linkBatch connects episodic items and artifacts that appeared in the same
// ingestion call, giving the retriever's GraphDegree factor (spec §4.9)
// something to work with for newly ingested material.
func (c *Consolidator) linkBatch(ctx context.Context, cand Candidate) error {
	ids := make([]struct {
		kind Kind
		id   string
	}, 0, len(cand.Episodic)+len(cand.Artifact))
	for _, e := range cand.Episodic {
		ids = append(ids, struct {
			kind Kind
			id   string
		}{KindEpisodic, e.ID})
	}
	for _, a := range cand.Artifact {
		ids = append(ids, struct {
			kind Kind
			id   string
		}{KindArtifact, a.Ref})
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := c.store.LinkNeighbors(ctx, ids[i].kind, ids[i].id, ids[j].kind, ids[j].id); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeTags returns the union of two tag sets, preserving a's order.
func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range a {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range b {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
