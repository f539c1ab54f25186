package auth

import (
	"context"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("test-key-123", "salt-value-0123456789")
	h2 := HashAPIKey("test-key-123", "salt-value-0123456789")
	if h1 != h2 {
		t.Fatalf("same key produced different hashes: %q vs %q", h1, h2)
	}

	h3 := HashAPIKey("different-key", "salt-value-0123456789")
	if h1 == h3 {
		t.Fatal("different keys produced the same hash")
	}

	h4 := HashAPIKey("test-key-123", "different-salt-0123456")
	if h1 == h4 {
		t.Fatal("different salts produced the same hash")
	}

	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h1))
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	if id := FromContext(ctx); id != nil {
		t.Fatalf("expected nil, got %+v", id)
	}

	identity := &Identity{
		Hash:      "abc123",
		KeyPrefix: "sk-live",
		Workspace: "acme",
		Method:    MethodAPIKey,
	}
	ctx = NewContext(ctx, identity)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected identity, got nil")
	}
	if got.Workspace != "acme" {
		t.Errorf("Workspace = %q, want %q", got.Workspace, "acme")
	}
	if got.APIKeyHash() != "abc123" {
		t.Errorf("APIKeyHash() = %q, want %q", got.APIKeyHash(), "abc123")
	}
}

func TestIdentityAPIKeyHash_DevFallback(t *testing.T) {
	id := &Identity{Workspace: "acme", Method: MethodDev}
	if got, want := id.APIKeyHash(), "dev:acme"; got != want {
		t.Errorf("APIKeyHash() = %q, want %q", got, want)
	}
}

func TestAllowsModel(t *testing.T) {
	tests := []struct {
		name        string
		id          *Identity
		model       string
		globalAllow []string
		globalBlock []string
		want        bool
	}{
		{"no lists: allow", &Identity{}, "openai/gpt-4o", nil, nil, true},
		{"key blocklist wins over key allowlist", &Identity{Allowlist: []string{"openai/gpt-4o"}, Blocklist: []string{"openai/gpt-4o"}}, "openai/gpt-4o", nil, nil, false},
		{"global blocklist denies", &Identity{}, "openai/gpt-4o", nil, []string{"openai/gpt-4o"}, false},
		{"key allowlist non-empty restricts", &Identity{Allowlist: []string{"anthropic/claude"}}, "openai/gpt-4o", nil, nil, false},
		{"key allowlist permits member", &Identity{Allowlist: []string{"openai/gpt-4o"}}, "openai/gpt-4o", nil, nil, true},
		{"global allowlist restricts when key allowlist empty", &Identity{}, "openai/gpt-4o", []string{"anthropic/claude"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllowsModel(tt.id, tt.model, tt.globalAllow, tt.globalBlock); got != tt.want {
				t.Errorf("AllowsModel() = %v, want %v", got, tt.want)
			}
		})
	}
}
