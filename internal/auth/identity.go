// Package auth implements API key authentication for the gateway.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Method describes how the caller was authenticated.
const (
	MethodAPIKey = "apikey"
	MethodDev    = "dev"
)

// Identity represents the authenticated API key for the current request,
// carrying the policy fields resolved at lookup time so downstream
// middleware (rate limiting, quota, model resolution) never re-queries it.
type Identity struct {
	APIKeyID          uuid.UUID
	Hash              string
	KeyPrefix         string
	Workspace         string
	RPMLimit          int
	DailyQuotaTokens  int64
	Allowlist         []string
	Blocklist         []string
	DefaultChatModel  string
	DefaultEmbedModel string
	Method            string
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if none is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// APIKeyHash returns the identity's salted-hash key, its stored identity
// (spec §3: "the plaintext key is never stored; identity is the salted
// hash"). Dev-mode identities (no backing row) use their workspace as a
// stand-in so ledger/idempotency keys stay stable across requests.
func (id *Identity) APIKeyHash() string {
	if id.Hash != "" {
		return id.Hash
	}
	return "dev:" + id.Workspace
}

// HashAPIKey returns the salted SHA-256 hex digest of a raw API key. The
// plaintext key is never stored; this hash is the key's identity.
func HashAPIKey(raw, salt string) string {
	h := sha256.Sum256([]byte(salt + raw))
	return hex.EncodeToString(h[:])
}

// AllowsModel evaluates the allow/block-list precedence from spec §4.3:
// a key-level blocklist entry always denies; a global blocklist entry
// denies next; then the key's own allowlist (if non-empty) must contain
// the model; otherwise the global allowlist (if non-empty) must contain it.
func AllowsModel(id *Identity, modelID string, globalAllow, globalBlock []string) bool {
	if id != nil && contains(id.Blocklist, modelID) {
		return false
	}
	if contains(globalBlock, modelID) {
		return false
	}
	if id != nil && len(id.Allowlist) > 0 {
		return contains(id.Allowlist, modelID)
	}
	if len(globalAllow) > 0 {
		return contains(globalAllow, modelID)
	}
	return true
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
