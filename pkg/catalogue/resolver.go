package catalogue

import (
	"context"
	"errors"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
)

// GlobalDefaults holds the fallback models and allow/block lists applied to
// every key. They are filled in from configuration; no per-tenant settings
// row is read.
type GlobalDefaults struct {
	DefaultChatModel  string
	DefaultEmbedModel string
	Allowlist         []string
	Blocklist         []string
}

// Resolver picks a model by trying three candidates in order: the requested
// model, the key's default, and the configured global default. There is no
// separate per-tenant default tier.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the first live, permitted, capability-matching catalogue
// entry among: requested, key default, configured global default. An
// unknown, inactive or wrong-capability model and the no-candidate case are
// VALIDATION_ERROR; a model the key may not use is AUTHORIZATION_ERROR
// (returned at once when it is the requested model); a catalogue lookup
// failure is SYSTEM_ERROR.
func (r *Resolver) Resolve(ctx context.Context, requested string, id *auth.Identity, purpose Purpose, globals GlobalDefaults) (*Entry, error) {
	candidates := r.candidateOrder(requested, id, purpose, globals)
	if len(candidates) == 0 {
		return nil, apierr.Validation("no suitable model: no candidate configured for this request")
	}

	var lastErr error
	for _, modelID := range candidates {
		if modelID == "" {
			continue
		}
		entry, err := r.tryCandidate(ctx, modelID, id, purpose, globals)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		// requested_model failures are never masked by falling through to
		// defaults silently for *permission* errors — but resolution still
		// tries the next tier for "not found" so a stale requested model
		// doesn't break every call. Permission denial on an explicit
		// request is surfaced immediately.
		if modelID == requested {
			if ae, ok := apierr.As(err); ok && ae.Code == apierr.CodeAuthorization {
				return nil, err
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apierr.Validation("no suitable model")
}

func (r *Resolver) candidateOrder(requested string, id *auth.Identity, purpose Purpose, globals GlobalDefaults) []string {
	out := []string{requested}
	var keyDefault string
	if id != nil {
		if purpose == PurposeEmbedding {
			keyDefault = id.DefaultEmbedModel
		} else {
			keyDefault = id.DefaultChatModel
		}
	}
	if purpose == PurposeEmbedding {
		out = append(out, keyDefault, globals.DefaultEmbedModel)
	} else {
		out = append(out, keyDefault, globals.DefaultChatModel)
	}
	return out
}

func (r *Resolver) tryCandidate(ctx context.Context, modelID string, id *auth.Identity, purpose Purpose, globals GlobalDefaults) (*Entry, error) {
	entry, err := r.store.Get(ctx, modelID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.Validation("model not found or inactive: " + modelID)
		}
		return nil, apierr.Wrap(apierr.CodeSystem, "looking up model catalogue", err)
	}
	if entry.Status != StatusActive {
		return nil, apierr.Validation("model not found or inactive: " + modelID)
	}

	wantEmbedding := purpose == PurposeEmbedding
	if entry.IsEmbeddingModel != wantEmbedding {
		return nil, apierr.Validation("wrong capability: " + modelID + " does not support " + string(purpose))
	}

	if !auth.AllowsModel(id, modelID, globals.Allowlist, globals.Blocklist) {
		return nil, apierr.Forbidden("model not allowed: " + modelID)
	}

	return entry, nil
}
