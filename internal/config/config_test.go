package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_API_KEY_SALT", "a-sufficiently-long-salt-value")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default token budget is 8000", func(c *Config) bool { return c.DefaultTokenBudget == 8000 }},
		{"default embeddings provider", func(c *Config) bool { return c.EmbeddingsProvider == "upstream" }},
		{"default vector backend", func(c *Config) bool { return c.VectorBackend == "pg" }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("check failed for %s", tt.name)
			}
		})
	}
}

func TestLoadRejectsMissingSalt(t *testing.T) {
	os.Unsetenv("AUTH_API_KEY_SALT")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when AUTH_API_KEY_SALT is unset")
	}
}

func TestLoadRejectsShortSalt(t *testing.T) {
	t.Setenv("AUTH_API_KEY_SALT", "tooshort")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short AUTH_API_KEY_SALT")
	}
}

func TestLoadRejectsBadDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "mysql://localhost/db")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-postgres DATABASE_URL")
	}
}

func TestLoadRejectsBadKVURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KV_URL", "memcached://localhost")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-redis KV_URL")
	}
}

func TestLoadRejectsBadEmbeddingsProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMBEDDINGS_PROVIDER", "bogus")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid EMBEDDINGS_PROVIDER")
	}
}

func TestKVShards(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KV_URL", "redis://a:6379/0, redis://b:6379/0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	shards := cfg.KVShards()
	if len(shards) != 2 {
		t.Fatalf("KVShards() returned %d shards, want 2", len(shards))
	}
	if shards[0] != "redis://a:6379/0" || shards[1] != "redis://b:6379/0" {
		t.Errorf("KVShards() = %v", shards)
	}
}
