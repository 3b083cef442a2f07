package lockcore

import "sync/atomic"

// RwSimpleBlock state word bits. The low byte carries the waiter's own state,
// the second byte the class of its registered successor.
const (
	rwsClassReader uint32 = 1 << 0
	rwsClassWriter uint32 = 1 << 1
	rwsClassMask          = rwsClassReader | rwsClassWriter
	rwsBlocked     uint32 = 1 << 2
	rwsFinalized   uint32 = 1 << 3

	rwsSuccReader uint32 = 1 << 8
	rwsSuccWriter uint32 = 1 << 9
	rwsSuccMask          = rwsSuccReader | rwsSuccWriter
)

// RwSimpleBlock is the per-waiter queue block of the simple reader-writer
// lock: a 16-bit state word (carried in a 32-bit atomic) plus the packed tail
// code of the successor.
type RwSimpleBlock struct {
	state atomic.Uint32
	succ  atomic.Uint32
}

// InitReader resets the block as a blocked reader with no successor.
func (b *RwSimpleBlock) InitReader() {
	b.succ.Store(0)
	b.state.Store(rwsClassReader | rwsBlocked)
}

// InitWriter resets the block as a blocked writer with no successor.
func (b *RwSimpleBlock) InitWriter() {
	b.succ.Store(0)
	b.state.Store(rwsClassWriter | rwsBlocked)
}

// IsReader reports the waiter's own class.
func (b *RwSimpleBlock) IsReader() bool { return b.state.Load()&rwsClassReader != 0 }

// IsBlocked reports whether the waiter is still parked.
func (b *RwSimpleBlock) IsBlocked() bool { return b.state.Load()&rwsBlocked != 0 }

// IsGranted reports whether the waiter holds the lock.
func (b *RwSimpleBlock) IsGranted() bool { return !b.IsBlocked() }

// Unblock grants the lock to this waiter (release on the blocked bit).
func (b *RwSimpleBlock) Unblock() { b.state.And(^rwsBlocked) }

// IsFinalized reports whether the post-grant reader cascade has completed.
func (b *RwSimpleBlock) IsFinalized() bool { return b.state.Load()&rwsFinalized != 0 }

// SetFinalized marks the post-grant cascade complete.
func (b *RwSimpleBlock) SetFinalized() { b.state.Or(rwsFinalized) }

// HasSuccessor reports whether any successor registered its class.
func (b *RwSimpleBlock) HasSuccessor() bool { return b.state.Load()&rwsSuccMask != 0 }

// HasReaderSuccessor reports whether the registered successor is a reader.
func (b *RwSimpleBlock) HasReaderSuccessor() bool { return b.state.Load()&rwsSuccReader != 0 }

// HasWriterSuccessor reports whether the registered successor is a writer.
func (b *RwSimpleBlock) HasWriterSuccessor() bool { return b.state.Load()&rwsSuccWriter != 0 }

// SetSuccessorClassWriter registers a writer successor on the state word.
// The class bits are separate from the blocked bit, so a blind OR is safe.
func (b *RwSimpleBlock) SetSuccessorClassWriter() { b.state.Or(rwsSuccWriter) }

// TryRegisterReaderSuccessor attempts the one-shot CAS from
// {blocked, no successor} to {blocked, reader successor}. Failure means the
// predecessor is no longer a blocked block with an open successor slot, which
// for an old queue tail can only mean it was granted.
func (b *RwSimpleBlock) TryRegisterReaderSuccessor() bool {
	class := b.state.Load() & rwsClassMask
	expected := class | rwsBlocked
	return b.state.CompareAndSwap(expected, expected|rwsSuccReader)
}

// SetSuccessor publishes the successor's identity. The class registration
// above happens first; this store makes the successor dereferenceable.
func (b *RwSimpleBlock) SetSuccessor(id ThreadID, index BlockIndex) {
	b.succ.Store(TailCode(id, index))
}

// SuccessorReady reports whether the successor's identity is published, not
// merely its class. Release paths must wait for this, not HasSuccessor.
func (b *RwSimpleBlock) SuccessorReady() bool { return b.succ.Load() != 0 }

// Successor returns the published successor identity.
func (b *RwSimpleBlock) Successor() (ThreadID, BlockIndex) {
	code := b.succ.Load()
	return TailThread(code), TailBlock(code)
}
