package lockcore

import "sync/atomic"

// McsLock is the write-write exclusive lock word: a single 32-bit cell
// holding the tail code of the wait-queue tail, 0 when unlocked, or
// GuestTailCode while the owner-less guest holds it.
type McsLock struct {
	data atomic.Uint32
}

// Tail returns the current tail code (acquire load).
func (l *McsLock) Tail() uint32 { return l.data.Load() }

// IsLocked reports whether any holder or waiter is present.
func (l *McsLock) IsLocked() bool { return l.data.Load() != 0 }

// SwapTail installs code as the new tail and returns the previous one.
// This is the enqueue linearization point.
func (l *McsLock) SwapTail(code uint32) uint32 { return l.data.Swap(code) }

// CasTail replaces the tail only if it still equals old.
func (l *McsLock) CasTail(old, new uint32) bool {
	return l.data.CompareAndSwap(old, new)
}

// Reset blind-stores (id, index) as the sole holder. Only valid while the
// lock is known uncontended.
func (l *McsLock) Reset(id ThreadID, index BlockIndex) {
	l.data.Store(TailCode(id, index))
}

// ResetGuest blind-stores the guest sentinel. Only valid while the lock is
// known uncontended.
func (l *McsLock) ResetGuest() { l.data.Store(GuestTailCode) }

// WwBlock is the per-waiter queue block of the WW lock: just the successor
// link, installed by the thread that enqueues directly behind the owner.
type WwBlock struct {
	successor atomic.Uint32
	_         uint32
}

// ClearSuccessor resets the link before the block is published.
func (b *WwBlock) ClearSuccessor() { b.successor.Store(0) }

// SetSuccessor records the direct successor's tail code (release store).
func (b *WwBlock) SetSuccessor(id ThreadID, index BlockIndex) {
	b.successor.Store(TailCode(id, index))
}

// HasSuccessor reports whether a successor has linked itself behind us.
func (b *WwBlock) HasSuccessor() bool { return b.successor.Load() != 0 }

// Successor returns the linked successor's identity.
func (b *WwBlock) Successor() (ThreadID, BlockIndex) {
	code := b.successor.Load()
	return TailThread(code), TailBlock(code)
}
