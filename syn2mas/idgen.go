package syn2mas

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// idGenerator produces time-ordered, collision-resistant target ids using
// the UUIDv7 bit layout: a 48-bit unix-millisecond timestamp followed by
// random bits from the run-scoped source. Ids generated within one run sort
// by creation time, which keeps the target tables roughly insert-ordered.
//
// Not safe for concurrent use; only the orchestrator goroutine generates ids.
type idGenerator struct {
	now    func() time.Time
	random io.Reader
}

func newIDGenerator(now func() time.Time, random io.Reader) *idGenerator {
	return &idGenerator{now: now, random: random}
}

// next returns a fresh id stamped with the current clock reading.
func (g *idGenerator) next() (uuid.UUID, error) {
	return g.generate(g.now())
}

// atTime returns an id whose timestamp bits encode t instead of the current
// clock reading. Used for rows that carry their own creation time, so the
// id ordering of migrated rows follows the original creation order.
func (g *idGenerator) atTime(t time.Time) (uuid.UUID, error) {
	return g.generate(t)
}

// generate builds an id for the given timestamp. A failure of the random
// source is fatal to the run, so it is returned rather than papered over.
func (g *idGenerator) generate(t time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(g.random, id[6:]); err != nil {
		return uuid.Nil, fmt.Errorf("read random bytes for id: %w", err)
	}

	ms := uint64(t.UnixMilli()) & 0xFFFFFFFFFFFF
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms<<16)
	copy(id[:6], ts[:6])

	id[6] = (id[6] & 0x0F) | 0x70 // version 7
	id[8] = (id[8] & 0x3F) | 0x80 // RFC 4122 variant
	return id, nil
}
