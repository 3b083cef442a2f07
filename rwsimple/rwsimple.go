// Package rwsimple implements the simple reader-writer MCS lock. Readers
// and writers share one wait-queue hung off the lock word's tail; a reader
// arriving behind a granted reader joins it immediately, and a writer that
// finds the queue empty but readers active parks its thread id in the lock
// word's next-writer slot until the readers drain.
//
// The try and async entry points are the same single-shot attempt on the
// whole 64-bit lock word; there is no queued-but-not-granted state, so the
// async cancel operations are no-ops.
package rwsimple

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

// Engine drives the simple reader-writer protocol for one worker thread.
// Distinct workers hold distinct Engines over a shared arena.
type Engine[A lockcore.RwAdaptor[lockcore.RwSimpleBlock]] struct {
	adaptor A
	log     *zap.Logger
}

// New returns an Engine bound to adaptor.
func New[A lockcore.RwAdaptor[lockcore.RwSimpleBlock]](adaptor A, opts ...Option) *Engine[A] {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine[A]{adaptor: adaptor, log: cfg.log}
}

// AcquireUnconditionalReader enqueues as a reader and spins until granted.
func (e *Engine[A]) AcquireUnconditionalReader(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	id := e.adaptor.MyID()
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.InitReader()

	predTail := lock.SwapTail(lockcore.TailCode(id, index))
	if predTail == 0 {
		lock.IncrementNReaders()
		my.Unblock()
	} else {
		pred := lockcore.DerefBlock[lockcore.RwSimpleBlock](e.adaptor, predTail)
		if !pred.IsReader() || pred.TryRegisterReaderSuccessor() {
			// Writer, or a reader still blocked: wait for the handoff. The
			// successor class and the blocked bit live in separate bits, so
			// the identity store below is a blind store.
			pred.SetSuccessor(id, index)
			lockcore.SpinUntil(my.IsGranted)
		} else {
			// The predecessor is a granted reader; join it.
			assert.That(!pred.IsBlocked(), "reader join of a blocked predecessor")
			lock.IncrementNReaders()
			pred.SetSuccessor(id, index)
			my.Unblock()
		}
	}
	e.finalizeReader(lock, my)
	return index
}

// finalizeReader completes the post-grant cascade: a granted reader admits
// its registered reader successor before it may release.
func (e *Engine[A]) finalizeReader(lock *lockcore.McsRwLock, my *lockcore.RwSimpleBlock) {
	assert.That(!my.IsFinalized(), "double finalize")
	if my.HasReaderSuccessor() {
		lockcore.SpinUntil(my.SuccessorReady)
		succID, succIndex := my.Successor()
		succ := e.adaptor.OtherBlock(succID, succIndex)
		lock.IncrementNReaders()
		succ.Unblock()
	}
	my.SetFinalized()
}

// ReleaseReader retires one reader and, as the last one out, wakes the
// parked writer if any.
func (e *Engine[A]) ReleaseReader(lock *lockcore.McsRwLock, index lockcore.BlockIndex) {
	id := e.adaptor.MyID()
	my := e.adaptor.MyBlock(index)
	assert.That(my.IsFinalized(), "release before finalize")
	if my.SuccessorReady() || !lock.CasTail(lockcore.TailCode(id, index), 0) {
		// A successor is installing itself. HasSuccessor only covers the
		// class bits; the identity may lag, so wait for the full publish.
		lockcore.SpinUntil(my.SuccessorReady)
		if my.HasWriterSuccessor() {
			succID, _ := my.Successor()
			lock.SwapNextWriter(succID)
		}
	}

	if lock.DecrementNReaders() == 1 {
		// Last active reader; hand over to a parked writer if readers
		// have fully drained.
		nw := lock.NextWriter()
		if nw != lockcore.NextWriterNone && lock.NReaders() == 0 &&
			lock.CasNextWriter(nw, lockcore.NextWriterNone) {
			wi := e.adaptor.OtherCurrentBlockIndex(nw)
			writer := e.adaptor.OtherBlock(nw, wi)
			assert.That(writer.IsBlocked() && !writer.IsReader(), "parked writer in a bad state")
			writer.Unblock()
		}
	}
}

// AcquireUnconditionalWriter enqueues as a writer and spins until granted.
func (e *Engine[A]) AcquireUnconditionalWriter(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	id := e.adaptor.MyID()
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.InitWriter()

	predTail := lock.SwapTail(lockcore.TailCode(id, index))
	if predTail == 0 {
		assert.That(!lock.HasNextWriter(), "empty queue with a parked writer")
		lock.SwapNextWriter(id)
		if lock.NReaders() == 0 {
			if lock.SwapNextWriter(lockcore.NextWriterNone) == id {
				my.Unblock()
				return index
			}
			// A draining reader claimed the parking slot first; it will
			// unblock us below.
		}
	} else {
		pred := lockcore.DerefBlock[lockcore.RwSimpleBlock](e.adaptor, predTail)
		pred.SetSuccessorClassWriter()
		pred.SetSuccessor(id, index)
	}
	lockcore.SpinUntil(my.IsGranted)
	return index
}

// ReleaseWriter hands the lock to the successor, if any.
func (e *Engine[A]) ReleaseWriter(lock *lockcore.McsRwLock, index lockcore.BlockIndex) {
	id := e.adaptor.MyID()
	my := e.adaptor.MyBlock(index)
	if my.SuccessorReady() || !lock.CasTail(lockcore.TailCode(id, index), 0) {
		lockcore.SpinUntil(my.SuccessorReady)
		succID, succIndex := my.Successor()
		succ := e.adaptor.OtherBlock(succID, succIndex)
		assert.That(succ.IsBlocked(), "successor already granted")
		if succ.IsReader() {
			lock.IncrementNReaders()
		}
		succ.Unblock()
	}
}

// AcquireTryReader attempts a single-shot reader grant, returning 0 when the
// lock is not immediately reader-shareable.
func (e *Engine[A]) AcquireTryReader(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	index := e.adaptor.IssueNewBlock()
	if e.RetryAsyncReader(lock, index) {
		return index
	}
	return 0
}

// AcquireTryWriter attempts a single-shot writer grant on an empty lock,
// returning 0 on failure.
func (e *Engine[A]) AcquireTryWriter(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	index := e.adaptor.IssueNewBlock()
	if e.RetryAsyncWriter(lock, index) {
		return index
	}
	return 0
}

// AcquireAsyncReader is the same single-shot attempt as AcquireTryReader,
// but always hands back the issued block so the caller can retry it.
func (e *Engine[A]) AcquireAsyncReader(lock *lockcore.McsRwLock) (lockcore.BlockIndex, bool) {
	index := e.adaptor.IssueNewBlock()
	return index, e.RetryAsyncReader(lock, index)
}

// AcquireAsyncWriter is the writer-side counterpart of AcquireAsyncReader.
func (e *Engine[A]) AcquireAsyncWriter(lock *lockcore.McsRwLock) (lockcore.BlockIndex, bool) {
	index := e.adaptor.IssueNewBlock()
	return index, e.RetryAsyncWriter(lock, index)
}

// RetryAsyncReader re-attempts a reader grant on the block issued by a prior
// async acquire. One snapshot of the whole lock word decides: the lock must
// have no parked writer and be either empty or tailed by a granted reader.
//
// Deliberately not a retry loop: under a waiting writer the tail stops being
// a granted reader and a loop here could spin forever while the caller holds
// other locks, turning a try into a deadlock.
func (e *Engine[A]) RetryAsyncReader(lock *lockcore.McsRwLock, index lockcore.BlockIndex) bool {
	id := e.adaptor.MyID()
	word := lock.LoadWord()
	tail, nreaders, nextWriter := lockcore.UnpackRwWord(word)
	if nextWriter != lockcore.NextWriterNone {
		return false
	}
	var pred *lockcore.RwSimpleBlock
	if tail != 0 {
		pred = lockcore.DerefBlock[lockcore.RwSimpleBlock](e.adaptor, tail)
		if !pred.IsGranted() || !pred.IsReader() {
			return false
		}
	}
	my := e.adaptor.MyBlock(index)
	my.InitReader()
	desired := lockcore.PackRwWord(lockcore.TailCode(id, index), nreaders+1, nextWriter)
	if !lock.CasWord(word, desired) {
		return false
	}
	if pred != nil {
		pred.SetSuccessor(id, index)
	}
	my.Unblock()
	e.finalizeReader(lock, my)
	return true
}

// RetryAsyncWriter re-attempts a writer grant on the block issued by a prior
// async acquire. Succeeds only on a completely empty lock word.
func (e *Engine[A]) RetryAsyncWriter(lock *lockcore.McsRwLock, index lockcore.BlockIndex) bool {
	id := e.adaptor.MyID()
	my := e.adaptor.MyBlock(index)
	my.InitWriter()
	my.Unblock()
	expected := lockcore.PackRwWord(0, 0, lockcore.NextWriterNone)
	desired := lockcore.PackRwWord(lockcore.TailCode(id, index), 0, lockcore.NextWriterNone)
	return lock.CasWord(expected, desired)
}

// CancelAsyncReader is a no-op: a failed single-shot attempt leaves no queue
// state behind.
func (e *Engine[A]) CancelAsyncReader(*lockcore.McsRwLock, lockcore.BlockIndex) {}

// CancelAsyncWriter is a no-op, see CancelAsyncReader.
func (e *Engine[A]) CancelAsyncWriter(*lockcore.McsRwLock, lockcore.BlockIndex) {}
