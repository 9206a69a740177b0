package syn2mas

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestTranslationTableRecordResolve(t *testing.T) {
	table := newIDTranslationTable()

	id := uuid.New()
	table.record(EntityUsers, "@alice:example.com", id)

	got, ok := table.resolve(EntityUsers, "@alice:example.com")
	if !ok {
		t.Fatal("expected to resolve recorded key")
	}
	if got != id {
		t.Errorf("resolved %s, want %s", got, id)
	}

	if _, ok := table.resolve(EntityUsers, "@bob:example.com"); ok {
		t.Error("resolved a key that was never recorded")
	}
	// Same key under a different entity is a distinct mapping.
	if _, ok := table.resolve(EntityCompatSessions, "@alice:example.com"); ok {
		t.Error("resolved key under the wrong entity")
	}
}

func TestTranslationTableCount(t *testing.T) {
	table := newIDTranslationTable()
	if got := table.count(EntityUsers); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	for i := 0; i < 5; i++ {
		table.record(EntityUsers, fmt.Sprintf("@u%d:s", i), uuid.New())
	}
	if got := table.count(EntityUsers); got != 5 {
		t.Errorf("count = %d, want 5", got)
	}
}

func TestTranslationTableConcurrentAccess(t *testing.T) {
	table := newIDTranslationTable()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("@user-%d-%d:s", w, i)
				table.record(EntityUsers, key, uuid.New())
				if _, ok := table.resolve(EntityUsers, key); !ok {
					t.Errorf("lost own write for %s", key)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := table.count(EntityUsers); got != 8*500 {
		t.Errorf("count = %d, want %d", got, 8*500)
	}
}
