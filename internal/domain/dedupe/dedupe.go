// Package dedupe suppresses redelivered OS region callbacks by client id.
package dedupe

import (
	"context"
	"sync"
)

const defaultMaxSize = 50000

// Deduper records seen callback ids so a redelivered callback is applied once.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a callback that was refused downstream (for
	// example on backpressure) can be retried by the client.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// inMemoryDeduper keeps the most recent ids in a ring. When full, the oldest
// id is forgotten first.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]uint64 // id -> sequence of its ring slot
	ring    []string
	seq     uint64
	maxSize int
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxSize <= 0 {
		d.maxSize = defaultMaxSize
	}
	d.seen = make(map[string]uint64, d.maxSize)
	d.ring = make([]string, d.maxSize)
	return d
}

// SeenAndRecord implements Deduper.
func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	slot := int(d.seq % uint64(d.maxSize)) //nolint:gosec // maxSize is positive
	if old := d.ring[slot]; old != "" {
		// The slot may hold an id that was unrecorded and recorded again later.
		if s, ok := d.seen[old]; ok && s == d.seq-uint64(d.maxSize) {
			delete(d.seen, old)
		}
	}
	d.ring[slot] = id
	d.seen[id] = d.seq
	d.seq++
	return false
}

// Unrecord implements Deduper.
func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

// Size returns the number of ids currently remembered.
func (d *inMemoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen))
}
