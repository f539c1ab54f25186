package idempotency

import "testing"

func TestRequestHash_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"model": "openai/gpt-4o", "messages": []any{"hi"}, "temperature": 0.2}
	b := map[string]any{"temperature": 0.2, "messages": []any{"hi"}, "model": "openai/gpt-4o"}

	if RequestHash(a) != RequestHash(b) {
		t.Fatal("RequestHash must not depend on map key order")
	}
}

func TestRequestHash_IgnoresMetadataAndStream(t *testing.T) {
	a := map[string]any{"model": "openai/gpt-4o"}
	b := map[string]any{"model": "openai/gpt-4o", "metadata": map[string]any{"trace": "abc"}, "stream": true}

	if RequestHash(a) != RequestHash(b) {
		t.Fatal("RequestHash must ignore metadata and stream fields so retries with different tracing still match")
	}
}

func TestRequestHash_DiffersOnSubstance(t *testing.T) {
	a := map[string]any{"model": "openai/gpt-4o", "temperature": 0.2}
	b := map[string]any{"model": "openai/gpt-4o", "temperature": 0.9}

	if RequestHash(a) == RequestHash(b) {
		t.Fatal("RequestHash must differ when a non-stripped field changes")
	}
}

func TestRequestHash_IsHexSHA256(t *testing.T) {
	h := RequestHash(map[string]any{"model": "openai/gpt-4o"})
	if len(h) != 64 {
		t.Fatalf("len(RequestHash()) = %d, want 64", len(h))
	}
}
