package syn2mas

import (
	"sync"

	"github.com/google/uuid"
)

// idTranslationTable maps (entity, legacy id) pairs to the newly generated
// target ids. It is owned by one migration run and passed explicitly to
// every entity-processing step; there is no ambient global state.
//
// The invariant it protects: an id is recorded here before any row
// referencing it is transformed. Entity processing is barriered, so all ids
// for entity E are committed before entity E+1 starts resolving against
// them. The table itself is safe for concurrent use.
type idTranslationTable struct {
	mu       sync.RWMutex
	byEntity map[Entity]map[string]uuid.UUID
}

func newIDTranslationTable() *idTranslationTable {
	return &idTranslationTable{
		byEntity: make(map[Entity]map[string]uuid.UUID, len(EntityOrder)),
	}
}

// record stores the target id for a legacy key. Legacy primary keys are not
// ULIDs and may be strings, integers or composites; callers encode them to
// a canonical string key (see legacy key helpers in transform.go).
func (t *idTranslationTable) record(entity Entity, legacyKey string, id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byEntity[entity]
	if !ok {
		m = make(map[string]uuid.UUID)
		t.byEntity[entity] = m
	}
	m[legacyKey] = id
}

// resolve looks up the target id for a legacy key. The second return is
// false when the reference cannot be resolved, in which case the
// referencing row must be skipped, never emitted.
func (t *idTranslationTable) resolve(entity Entity, legacyKey string) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byEntity[entity][legacyKey]
	return id, ok
}

// count returns how many ids are recorded for an entity.
func (t *idTranslationTable) count(entity Entity) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byEntity[entity])
}
