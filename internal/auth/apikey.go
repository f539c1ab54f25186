package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKeyAuthenticator validates API keys against the public.api_keys table.
type APIKeyAuthenticator struct {
	Pool *pgxpool.Pool
	Salt string
}

// Authenticate hashes the raw key with the configured salt, looks it up,
// and requires active = true. It does not touch last_used — callers that
// want that side effect should do it asynchronously after a successful call.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashAPIKey(rawKey, a.Salt)

	var (
		id                uuid.UUID
		keyPrefix         string
		tenantSlug        string
		active            bool
		rpmLimit          int
		dailyQuotaTokens  int64
		allowlist         []string
		blocklist         []string
		defaultChatModel  string
		defaultEmbedModel string
	)

	query := `SELECT k.id, k.key_prefix, t.slug, k.active, k.rpm_limit, k.daily_quota_tokens,
		k.allowlist, k.blocklist, k.default_chat_model, k.default_embed_model
		FROM public.api_keys k
		JOIN public.tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1`

	err := a.Pool.QueryRow(ctx, query, hash).Scan(
		&id, &keyPrefix, &tenantSlug, &active, &rpmLimit, &dailyQuotaTokens,
		&allowlist, &blocklist, &defaultChatModel, &defaultEmbedModel,
	)
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("API key is not active")
	}

	return &Identity{
		APIKeyID:          id,
		Hash:              hash,
		KeyPrefix:         keyPrefix,
		Workspace:         tenantSlug,
		RPMLimit:          rpmLimit,
		DailyQuotaTokens:  dailyQuotaTokens,
		Allowlist:         allowlist,
		Blocklist:         blocklist,
		DefaultChatModel:  defaultChatModel,
		DefaultEmbedModel: defaultEmbedModel,
		Method:            MethodAPIKey,
	}, nil
}

// TouchLastUsed records that an API key was just used, fire-and-forget.
func (a *APIKeyAuthenticator) TouchLastUsed(id uuid.UUID) {
	go func() {
		_, _ = a.Pool.Exec(context.Background(), `UPDATE public.api_keys SET last_used = now() WHERE id = $1`, id)
	}()
}
