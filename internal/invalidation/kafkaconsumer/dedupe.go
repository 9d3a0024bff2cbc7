package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seqDedupe tracks the highest sequence seen per run/area so replayed or
// reordered events do not wipe entries the pipeline already rewrote.
type seqDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newSeqDedupe(size int) *seqDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &seqDedupe{lru: c}
}

// shouldApply reports whether seq advances past the last applied one for
// key. A zero seq always applies: publishers without sequencing opt out.
func (d *seqDedupe) shouldApply(key string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return !ok || seq > last
}

// markApplied records seq once the invalidation succeeded. Recording only
// on success keeps redelivered events applicable after a failed attempt.
func (d *seqDedupe) markApplied(key string, seq uint64) {
	if seq == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && seq <= last {
		return
	}
	d.lru.Add(key, seq)
}
