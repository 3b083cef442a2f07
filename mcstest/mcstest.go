// Package mcstest provides an in-process host for the lock engines: a fixed
// arena of per-thread block arrays plus the per-thread counters and waiting
// flags the adaptor contracts require. Production embeddings supply their own
// host wired into their thread runtime; this one backs the package tests and
// any single-process embedding without a thread layer of its own.
package mcstest

import (
	"sync/atomic"

	"github.com/soliddb/lockcore"
	"github.com/soliddb/lockcore/internal/assert"
)

// DefaultCapacity is the per-thread block budget used by NewArena when the
// caller passes 0.
const DefaultCapacity = 1 << 12

type thread struct {
	cur     atomic.Uint32
	waiting atomic.Bool
	ww      []lockcore.WwBlock
	simple  []lockcore.RwSimpleBlock
	ext     []lockcore.RwExtBlock
}

// Arena is the shared block storage for a set of worker threads. All three
// block flavors live in parallel arrays over one index space per thread, fed
// by a single monotonic counter, so a tail code resolves the same way
// regardless of flavor. Block index 0 is reserved as the none value.
type Arena struct {
	threads  []thread
	capacity uint32
}

// NewArena allocates storage for n threads with the given per-thread block
// capacity. capacity 0 means DefaultCapacity.
func NewArena(n int, capacity uint32) *Arena {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	assert.That(capacity <= 0xFFFF, "capacity beyond the index range")
	a := &Arena{threads: make([]thread, n), capacity: capacity}
	for i := range a.threads {
		t := &a.threads[i]
		t.ww = make([]lockcore.WwBlock, capacity+1)
		t.simple = make([]lockcore.RwSimpleBlock, capacity+1)
		t.ext = make([]lockcore.RwExtBlock, capacity+1)
	}
	return a
}

// Threads returns the number of threads the arena was sized for.
func (a *Arena) Threads() int { return len(a.threads) }

// Reset recycles every thread's blocks in bulk. No lock may be held or
// queued on while resetting.
func (a *Arena) Reset() {
	for i := range a.threads {
		a.threads[i].cur.Store(0)
		a.threads[i].waiting.Store(false)
	}
}

func (a *Arena) issue(id lockcore.ThreadID) lockcore.BlockIndex {
	cur := a.threads[id].cur.Add(1)
	assert.That(cur <= a.capacity, "thread %d ran out of blocks", id)
	return lockcore.BlockIndex(cur)
}

func (a *Arena) current(id lockcore.ThreadID) lockcore.BlockIndex {
	return lockcore.BlockIndex(a.threads[id].cur.Load())
}

// WwHost adapts one thread's view of the arena to the exclusive-lock engine.
type WwHost struct {
	arena *Arena
	me    lockcore.ThreadID
}

// WwHost returns the exclusive-lock adaptor for thread id.
func (a *Arena) WwHost(id lockcore.ThreadID) *WwHost {
	return &WwHost{arena: a, me: id}
}

func (h *WwHost) MyID() lockcore.ThreadID { return h.me }

func (h *WwHost) IssueNewBlock() lockcore.BlockIndex { return h.arena.issue(h.me) }

func (h *WwHost) CurrentBlockIndex() lockcore.BlockIndex { return h.arena.current(h.me) }

func (h *WwHost) MyBlock(index lockcore.BlockIndex) *lockcore.WwBlock {
	return &h.arena.threads[h.me].ww[index]
}

func (h *WwHost) OtherBlock(id lockcore.ThreadID, index lockcore.BlockIndex) *lockcore.WwBlock {
	return &h.arena.threads[id].ww[index]
}

func (h *WwHost) SetMeWaiting(waiting bool) {
	h.arena.threads[h.me].waiting.Store(waiting)
}

func (h *WwHost) MeWaiting() bool { return h.arena.threads[h.me].waiting.Load() }

func (h *WwHost) ClearOtherWaiting(id lockcore.ThreadID) {
	h.arena.threads[id].waiting.Store(false)
}

// SimpleHost adapts one thread's view of the arena to the simple
// reader-writer engine.
type SimpleHost struct {
	arena *Arena
	me    lockcore.ThreadID
}

// SimpleHost returns the simple reader-writer adaptor for thread id.
func (a *Arena) SimpleHost(id lockcore.ThreadID) *SimpleHost {
	return &SimpleHost{arena: a, me: id}
}

func (h *SimpleHost) MyID() lockcore.ThreadID { return h.me }

func (h *SimpleHost) IssueNewBlock() lockcore.BlockIndex { return h.arena.issue(h.me) }

func (h *SimpleHost) CurrentBlockIndex() lockcore.BlockIndex { return h.arena.current(h.me) }

func (h *SimpleHost) OtherCurrentBlockIndex(id lockcore.ThreadID) lockcore.BlockIndex {
	return h.arena.current(id)
}

func (h *SimpleHost) MyBlock(index lockcore.BlockIndex) *lockcore.RwSimpleBlock {
	return &h.arena.threads[h.me].simple[index]
}

func (h *SimpleHost) OtherBlock(id lockcore.ThreadID, index lockcore.BlockIndex) *lockcore.RwSimpleBlock {
	return &h.arena.threads[id].simple[index]
}

// ExtHost adapts one thread's view of the arena to the extended
// reader-writer engine.
type ExtHost struct {
	arena *Arena
	me    lockcore.ThreadID
}

// ExtHost returns the extended reader-writer adaptor for thread id.
func (a *Arena) ExtHost(id lockcore.ThreadID) *ExtHost {
	return &ExtHost{arena: a, me: id}
}

func (h *ExtHost) MyID() lockcore.ThreadID { return h.me }

func (h *ExtHost) IssueNewBlock() lockcore.BlockIndex { return h.arena.issue(h.me) }

func (h *ExtHost) CurrentBlockIndex() lockcore.BlockIndex { return h.arena.current(h.me) }

func (h *ExtHost) OtherCurrentBlockIndex(id lockcore.ThreadID) lockcore.BlockIndex {
	return h.arena.current(id)
}

func (h *ExtHost) MyBlock(index lockcore.BlockIndex) *lockcore.RwExtBlock {
	return &h.arena.threads[h.me].ext[index]
}

func (h *ExtHost) OtherBlock(id lockcore.ThreadID, index lockcore.BlockIndex) *lockcore.RwExtBlock {
	return &h.arena.threads[id].ext[index]
}

var (
	_ lockcore.WwAdaptor                         = (*WwHost)(nil)
	_ lockcore.RwAdaptor[lockcore.RwSimpleBlock] = (*SimpleHost)(nil)
	_ lockcore.RwAdaptor[lockcore.RwExtBlock]    = (*ExtHost)(nil)
)
