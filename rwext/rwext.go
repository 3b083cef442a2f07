// Package rwext implements the extended reader-writer MCS lock with
// timeout, async acquisition, and mid-queue cancellation. Every waiter keeps
// a doubly-linked handshake with its neighbors: the pred cell is the channel
// the predecessor grants through, and the packed next word carries the
// successor link together with the waiter's own state, so a cancelling
// waiter can unlink itself from the middle of the queue.
//
// A block issued by a failed async attempt stays enqueued until the caller
// either retries it to completion or cancels it. The arena slot is consumed
// either way; the adaptor recycles slots only in bulk (mcstest: Arena.Reset),
// so a caller that abandons blocks without cancelling leaks its own arena
// space, never another thread's.
package rwext

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

// Engine drives the extended reader-writer protocol for one worker thread.
// Distinct workers hold distinct Engines over a shared arena.
type Engine[A lockcore.RwAdaptor[lockcore.RwExtBlock]] struct {
	adaptor A
	log     *zap.Logger
}

// New returns an Engine bound to adaptor.
func New[A lockcore.RwAdaptor[lockcore.RwExtBlock]](adaptor A, opts ...Option) *Engine[A] {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine[A]{adaptor: adaptor, log: cfg.log}
}

func (e *Engine[A]) deref(code uint32) *lockcore.RwExtBlock {
	return lockcore.DerefBlock[lockcore.RwExtBlock](e.adaptor, code)
}

// AcquireUnconditionalReader enqueues as a reader and waits forever.
func (e *Engine[A]) AcquireUnconditionalReader(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	index, res := e.acquireReader(lock, lockcore.TimeoutNever)
	assert.That(res == lockcore.Acquired, "unconditional reader did not acquire")
	return index
}

// AcquireUnconditionalWriter enqueues as a writer and waits forever.
func (e *Engine[A]) AcquireUnconditionalWriter(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	index, res := e.acquireWriter(lock, lockcore.TimeoutNever)
	assert.That(res == lockcore.Acquired, "unconditional writer did not acquire")
	return index
}

// AcquireReader enqueues as a reader and waits within the timeout, cancelling
// itself out of the queue when a positive budget expires. With TimeoutZero an
// ungranted block stays queued, as with AcquireAsyncReader. Returns the block
// index and whether the lock was acquired.
func (e *Engine[A]) AcquireReader(lock *lockcore.McsRwLock, t lockcore.Timeout) (lockcore.BlockIndex, bool) {
	index, res := e.acquireReader(lock, t)
	return index, res == lockcore.Acquired
}

// AcquireWriter is the writer-side counterpart of AcquireReader.
func (e *Engine[A]) AcquireWriter(lock *lockcore.McsRwLock, t lockcore.Timeout) (lockcore.BlockIndex, bool) {
	index, res := e.acquireWriter(lock, t)
	return index, res == lockcore.Acquired
}

// AcquireTryWriter attempts a single-shot writer grant on a completely empty
// lock word, returning 0 on failure. Unlike the async writer path, failure
// leaves no queue state behind.
func (e *Engine[A]) AcquireTryWriter(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	id := e.adaptor.MyID()
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.InitWriter()
	my.SetFlagsGranted()
	expected := lockcore.PackRwWord(0, 0, lockcore.NextWriterNone)
	desired := lockcore.PackRwWord(lockcore.TailCode(id, index), 0, lockcore.NextWriterNone)
	if lock.CasWord(expected, desired) {
		return index
	}
	return 0
}

// AcquireTryReader grabs a reader share when the lock has no parked writer
// and its queue is empty or tailed by a granted reader, returning 0
// otherwise. It retries only when the word CAS loses a race, so it never
// enqueues and never waits on a writer.
func (e *Engine[A]) AcquireTryReader(lock *lockcore.McsRwLock) lockcore.BlockIndex {
	id := e.adaptor.MyID()
	index := e.adaptor.IssueNewBlock()
	for {
		word := lock.LoadWord()
		tail, nreaders, nextWriter := lockcore.UnpackRwWord(word)
		if nextWriter != lockcore.NextWriterNone {
			return 0
		}
		var pred *lockcore.RwExtBlock
		if tail != 0 {
			pred = e.deref(tail)
			if !pred.PredGranted() || !pred.IsReader() {
				// a writer or a not-yet-granted reader holds the tail, so the
				// lock is not reader-shareable right now
				return 0
			}
		}
		my := e.adaptor.MyBlock(index)
		my.InitReader()
		desired := lockcore.PackRwWord(lockcore.TailCode(id, index), nreaders+1, lockcore.NextWriterNone)
		if !lock.CasWord(word, desired) {
			continue
		}
		if pred != nil {
			// The old tail can no longer gain a successor; close its slot so
			// its release does not wait on us.
			pred.SetNextID(lockcore.SuccIDNoSuccessor)
		}
		my.SetPredGranted()
		e.finishAcquireReader(lock, my, lockcore.TailCode(id, index))
		return index
	}
}

// AcquireAsyncReader enqueues as a reader with a zero timeout. The returned
// block stays in the queue when not immediately granted; the caller must
// follow up with RetryAsyncReader or CancelAsyncReader.
func (e *Engine[A]) AcquireAsyncReader(lock *lockcore.McsRwLock) (lockcore.BlockIndex, bool) {
	index, res := e.acquireReader(lock, lockcore.TimeoutZero)
	assert.That(res != lockcore.Cancelled, "zero-timeout acquire cancelled itself")
	return index, res == lockcore.Acquired
}

// AcquireAsyncWriter is the writer-side counterpart of AcquireAsyncReader.
func (e *Engine[A]) AcquireAsyncWriter(lock *lockcore.McsRwLock) (lockcore.BlockIndex, bool) {
	index, res := e.acquireWriter(lock, lockcore.TimeoutZero)
	assert.That(res != lockcore.Cancelled, "zero-timeout acquire cancelled itself")
	return index, res == lockcore.Acquired
}

// RetryAsyncReader polls the block issued by a prior async acquire. A true
// return means the lock is held and the block is fully granted.
func (e *Engine[A]) RetryAsyncReader(lock *lockcore.McsRwLock, index lockcore.BlockIndex) bool {
	my := e.adaptor.MyBlock(index)
	if !my.PredGranted() {
		return false
	}
	if !my.IsGranted() {
		e.finishAcquireReader(lock, my, lockcore.TailCode(e.adaptor.MyID(), index))
	}
	return true
}

// RetryAsyncWriter polls the block issued by a prior async acquire.
func (e *Engine[A]) RetryAsyncWriter(lock *lockcore.McsRwLock, index lockcore.BlockIndex) bool {
	my := e.adaptor.MyBlock(index)
	if !my.PredGranted() {
		return false
	}
	if !my.IsGranted() {
		my.SetNextFlagGranted()
	}
	return true
}

// CancelAsyncReader withdraws a pending async reader. The grant may race the
// cancel; when it wins, the freshly-granted share is released on the spot.
func (e *Engine[A]) CancelAsyncReader(lock *lockcore.McsRwLock, index lockcore.BlockIndex) {
	if e.RetryAsyncReader(lock, index) {
		e.ReleaseReader(lock, index)
		return
	}
	myTail := lockcore.TailCode(e.adaptor.MyID(), index)
	if e.cancelReader(lock, myTail) == lockcore.Acquired {
		e.ReleaseReader(lock, index)
	}
}

// CancelAsyncWriter withdraws a pending async writer. The cancel routine
// itself resolves a racing grant, so no retry probe is needed first.
func (e *Engine[A]) CancelAsyncWriter(lock *lockcore.McsRwLock, index lockcore.BlockIndex) {
	if e.cancelWriter(lock, index) == lockcore.Acquired {
		e.ReleaseWriter(lock, index)
	}
}
