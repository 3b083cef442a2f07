// Package ww implements the write-write exclusive MCS lock. Each waiter
// enqueues a per-acquire block on the lock word's tail and spins on its own
// thread-local waiting flag, so the handoff never bounces the lock word's
// cache line between waiters. A reserved guest sentinel lets block-less
// callers (recovery and admin paths) hold the lock through the ownerless
// entry points.
package ww

import (
	"go.uber.org/zap"

	"github.com/soliddb/lockcore"
	"github.com/soliddb/lockcore/internal/assert"
)

// Option configures an Engine.
type Option func(*config)

type config struct {
	log *zap.Logger
}

// WithLogger routes slow-path diagnostics to l. The default discards them.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.log = l }
}

// Engine drives the exclusive lock protocol for one worker thread. The
// adaptor supplies the thread's identity, its block arena, and the waiting
// flags the release handshake toggles. An Engine is bound to a single worker
// and is not safe for concurrent use; distinct workers hold distinct Engines
// over a shared arena.
type Engine[A lockcore.WwAdaptor] struct {
	adaptor A
	log     *zap.Logger
}

// New returns an Engine bound to adaptor.
func New[A lockcore.WwAdaptor](adaptor A, opts ...Option) *Engine[A] {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine[A]{adaptor: adaptor, log: cfg.log}
}

// AcquireUnconditional enqueues on the lock and spins until granted. It
// returns the index of the block that must be passed to Release.
func (e *Engine[A]) AcquireUnconditional(lock *lockcore.McsLock) lockcore.BlockIndex {
	assert.That(!e.adaptor.MeWaiting(), "acquire while already waiting")
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.ClearSuccessor()
	e.adaptor.SetMeWaiting(true)
	id := e.adaptor.MyID()
	desired := lockcore.TailCode(id, index)
	groupTail := desired

	var pred uint32
	for {
		if lock.Tail() == lockcore.GuestTailCode {
			e.log.Debug("waiting for guest holder", zap.Uint16("thread", uint16(id)))
			lockcore.SpinUntil(func() bool { return lock.Tail() != lockcore.GuestTailCode })
		}
		pred = lock.SwapTail(groupTail)
		if pred == 0 {
			// Not locked. If groupTail grew past our own code, the group
			// members already linked behind us while we were parked out.
			e.adaptor.SetMeWaiting(false)
			return index
		}
		if pred == lockcore.GuestTailCode {
			// The guest slipped in between the check and the swap. Pull the
			// whole group back out, hand the sentinel back, and retry once
			// the guest is gone. The swapped-out tail is the group's tail,
			// which may have grown behind us in the meantime.
			groupTail = lock.SwapTail(lockcore.GuestTailCode)
			continue
		}
		break
	}

	assert.That(pred != desired, "lock word returned our own code")
	predBlock := e.adaptor.OtherBlock(lockcore.TailThread(pred), lockcore.TailBlock(pred))
	predBlock.SetSuccessor(id, index)
	lockcore.SpinUntil(func() bool { return !e.adaptor.MeWaiting() })
	return index
}

// Initial takes an uncontended lock with a plain store. The caller must know
// no other thread can be racing on the lock, typically right after creating
// the protected object.
func (e *Engine[A]) Initial(lock *lockcore.McsLock) lockcore.BlockIndex {
	assert.That(!e.adaptor.MeWaiting(), "initial while waiting")
	assert.That(!lock.IsLocked(), "initial on a locked lock")
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.ClearSuccessor()
	lock.Reset(e.adaptor.MyID(), index)
	return index
}

// Release hands the lock to the successor, if any, or returns it to the
// unlocked state. index must come from the matching acquire.
func (e *Engine[A]) Release(lock *lockcore.McsLock, index lockcore.BlockIndex) {
	assert.That(!e.adaptor.MeWaiting(), "release while waiting")
	assert.That(lock.IsLocked(), "release of an unlocked lock")
	id := e.adaptor.MyID()
	myTail := lockcore.TailCode(id, index)
	my := e.adaptor.MyBlock(index)
	if !my.HasSuccessor() {
		if lock.CasTail(myTail, 0) {
			return
		}
		// A successor swapped the tail but has not linked itself yet.
		e.log.Debug("release raced with an arriving successor", zap.Uint16("thread", uint16(id)))
		lockcore.SpinUntil(my.HasSuccessor)
	}
	succID, _ := my.Successor()
	assert.That(succID != id, "successor is self")
	e.adaptor.ClearOtherWaiting(succID)
}

// OwnerlessInitial is Initial for the guest holder.
func OwnerlessInitial(lock *lockcore.McsLock) {
	assert.That(!lock.IsLocked(), "initial on a locked lock")
	lock.ResetGuest()
}

// OwnerlessAcquireUnconditional takes the lock as the guest. The guest does
// not join the wait-queue; it spins for the unlocked state and claims it
// with a CAS, so it only ever competes with the head of the queue.
func OwnerlessAcquireUnconditional(lock *lockcore.McsLock) {
	lockcore.SpinUntil(func() bool { return lock.CasTail(0, lockcore.GuestTailCode) })
}

// OwnerlessRelease returns a guest-held lock to the unlocked state. Waiters
// may transiently swap their queue over the sentinel, so the CAS retries
// until it catches the lock in the guest-held state.
func OwnerlessRelease(lock *lockcore.McsLock) {
	assert.That(lock.IsLocked(), "release of an unlocked lock")
	lockcore.SpinUntil(func() bool { return lock.CasTail(lockcore.GuestTailCode, 0) })
}
