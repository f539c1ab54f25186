package catalogue

import (
	"reflect"
	"testing"

	"github.com/ctxmemory/gateway/internal/auth"
)

func TestCandidateOrder_ChatUsesKeyThenGlobalDefault(t *testing.T) {
	r := &Resolver{}
	id := &auth.Identity{DefaultChatModel: "anthropic/claude-3-haiku"}
	globals := GlobalDefaults{DefaultChatModel: "openai/gpt-4o-mini"}

	got := r.candidateOrder("openai/gpt-4o", id, PurposeChat, globals)
	want := []string{"openai/gpt-4o", "anthropic/claude-3-haiku", "openai/gpt-4o-mini"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidateOrder() = %v, want %v", got, want)
	}
}

func TestCandidateOrder_EmbeddingUsesEmbedDefaults(t *testing.T) {
	r := &Resolver{}
	id := &auth.Identity{DefaultChatModel: "anthropic/claude-3-haiku", DefaultEmbedModel: "openai/text-embedding-3-small"}
	globals := GlobalDefaults{DefaultEmbedModel: "voyage/voyage-2"}

	got := r.candidateOrder("", id, PurposeEmbedding, globals)
	want := []string{"", "openai/text-embedding-3-small", "voyage/voyage-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidateOrder() = %v, want %v", got, want)
	}
}

func TestCandidateOrder_NilIdentityDoesNotPanic(t *testing.T) {
	r := &Resolver{}
	globals := GlobalDefaults{DefaultChatModel: "openai/gpt-4o-mini", DefaultEmbedModel: "voyage/voyage-2"}

	got := r.candidateOrder("", nil, PurposeChat, globals)
	want := []string{"", "", "openai/gpt-4o-mini"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidateOrder() = %v, want %v", got, want)
	}

	got = r.candidateOrder("", nil, PurposeEmbedding, globals)
	want = []string{"", "", "voyage/voyage-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidateOrder() = %v, want %v", got, want)
	}
}
