package memory

import (
	"reflect"
	"testing"
)

func TestMergeTags_UnionPreservesOrderAndDedupes(t *testing.T) {
	got := mergeTags([]string{"infra", "db"}, []string{"db", "auth"})
	want := []string{"infra", "db", "auth"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeTags() = %v, want %v", got, want)
	}
}

func TestMergeTags_TrimsAndDropsEmpty(t *testing.T) {
	got := mergeTags([]string{" infra ", ""}, []string{"db", "  "})
	want := []string{"infra", "db"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeTags() = %v, want %v", got, want)
	}
}

func TestMergeTags_BothEmpty(t *testing.T) {
	got := mergeTags(nil, nil)
	if len(got) != 0 {
		t.Errorf("mergeTags(nil, nil) = %v, want empty", got)
	}
}
