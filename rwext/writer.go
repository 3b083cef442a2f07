package rwext

import (
	"go.uber.org/zap"

	"github.com/soliddb/lockcore"
	"github.com/soliddb/lockcore/internal/assert"
)

func (e *Engine[A]) acquireWriter(lock *lockcore.McsRwLock, t lockcore.Timeout) (lockcore.BlockIndex, lockcore.AcquireResult) {
	id := e.adaptor.MyID()
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.InitWriter()
	myTail := lockcore.TailCode(id, index)

	pred := lock.SwapTail(myTail)
	if pred == 0 {
		assert.That(!lock.HasNextWriter(), "empty queue with a parked writer")
		lock.SetNextWriter(id)
		if lock.NReaders() == 0 && lock.SwapNextWriter(lockcore.NextWriterNone) == id {
			my.SetFlagsGranted()
			return index, lockcore.Acquired
		}
		// a draining reader claimed the parking slot first; it will grant
		// us through the pred cell below
	} else {
		predBlock := e.deref(pred)
		lockcore.SpinUntil(func() bool {
			return !predBlock.HasSuccessor() && predBlock.NextID() == 0
		})
		// register the class on pred's flags first, then publish the id
		predBlock.SetNextFlagWriterSuccessor()
		predBlock.SetNextID(myTail)
	}

	if my.SwapPredID(pred) == lockcore.PredIDAcquired {
		// the handover already happened while we linked; the wakeup is owed
		t = lockcore.TimeoutNever
	}

	if my.TimeoutGranted(t) {
		my.SetNextFlagGranted()
		return index, lockcore.Acquired
	}
	if t == lockcore.TimeoutZero {
		return index, lockcore.Requested
	}
	return index, e.cancelWriter(lock, index)
}

// ReleaseWriter hands the lock to the successor, if any. The busy window
// keeps the successor from cancelling while we dereference it.
func (e *Engine[A]) ReleaseWriter(lock *lockcore.McsRwLock, index lockcore.BlockIndex) {
	id := e.adaptor.MyID()
	myTail := lockcore.TailCode(id, index)
	my := e.adaptor.MyBlock(index)
	assert.That(my.IsGranted() && my.PredGranted(), "release of an ungranted writer")
	assert.That(lock.NReaders() == 0, "writer held with active readers")

	my.SetNextFlagBusy()
	lockcore.SpinUntil(func() bool { return my.NextID() != lockcore.SuccIDSuccessorLeaving })

	nextID := my.NextID()
	for nextID == 0 {
		if lock.CasTail(myTail, 0) {
			return
		}
		nextID = my.NextID()
	}

	succ := e.deref(nextID)
	assert.That(!succ.PredGranted(), "successor granted before the handover")
	for !succ.CasPredID(myTail, lockcore.PredIDAcquired) {
	}
	if succ.IsReader() {
		lock.IncrementNReaders()
	}
	succ.SetPredGranted()
}

func (e *Engine[A]) cancelWriter(lock *lockcore.McsRwLock, index lockcore.BlockIndex) lockcore.AcquireResult {
	myTail := lockcore.TailCode(e.adaptor.MyID(), index)
	my := e.adaptor.MyBlock(index)

	// claim the pred cell; a releasing pred that already dereferenced us
	// CASes it to the acquired sentinel, so this is the point of no return
	pred := my.SwapPredID(0)
	if pred == lockcore.PredIDAcquired {
		lockcore.SpinUntil(my.PredGranted)
		my.SetNextFlagGranted()
		return lockcore.Acquired
	}

	e.log.Debug("writer cancelling", zap.Uint32("tail", myTail))
	assert.That(!my.IsGranted(), "cancel of a granted writer")
	my.SetNextFlagLeaving()
	lockcore.SpinUntil(func() bool { return my.NextID() != lockcore.SuccIDSuccessorLeaving })

	// no pred means a reader moved us to the parking slot; deregister there
	if pred == 0 {
		return e.cancelWriterNoPred(lock, my, myTail)
	}

	predBlock := e.deref(pred)
	for {
		// wait for a cancelling pred to finish its own relink to us
		lockcore.SpinUntil(func() bool {
			return predBlock.NextID() == myTail && predBlock.HasWriterSuccessor()
		})
		eflags := predBlock.NextFlags()
		if lockcore.RwExtFlagsLeaving(eflags) {
			// pred leaves first; after its handover CAS on us fails it will
			// give us a new pred
			my.SetPredID(pred)
			lockcore.SpinUntil(func() bool { return my.PredID() != pred })
			pred = my.SwapPredID(0)
			if pred == 0 {
				// the pred was a releasing reader and parked us instead
				return e.cancelWriterNoPred(lock, my, myTail)
			}
			if pred == lockcore.PredIDAcquired {
				lockcore.SpinUntil(my.PredGranted)
				my.SetNextFlagGranted()
				return lockcore.Acquired
			}
			predBlock = e.deref(pred)
			continue
		}
		if lockcore.RwExtFlagsBusy(eflags) {
			// we cleared our pred cell, so pred can do nothing to us and is
			// safe to dereference
			if !predBlock.IsReader() {
				// a releasing writer will grant us directly
				my.SetPredID(pred)
				lockcore.SpinUntil(my.PredGranted)
				my.SetNextFlagGranted()
				return lockcore.Acquired
			}
			// a busy reader may grant us, park us, or move on; hand the
			// cell back and see what it did
			my.SetPredID(pred)
			pred = my.SwapPredID(0)
			if pred == 0 {
				return e.cancelWriterNoPred(lock, my, myTail)
			}
			if pred == lockcore.PredIDAcquired {
				lockcore.SpinUntil(my.PredGranted)
				my.SetNextFlagGranted()
				return lockcore.Acquired
			}
			predBlock = e.deref(pred)
			continue
		}
		// tell pred we are leaving
		if predBlock.CasNextWord(
			lockcore.RwExtNextWord(myTail, eflags),
			lockcore.RwExtNextWord(lockcore.SuccIDSuccessorLeaving, eflags)) {
			break
		}
	}

	// pred carries the beacon now and will not try to wake us during release
	assert.That(predBlock.NextID() == lockcore.SuccIDSuccessorLeaving, "beacon lost before relink")
	if my.NextID() == 0 && lock.CasTail(myTail, pred) {
		predBlock.SetNextFlagNoSuccessor()
		predBlock.SetNextID(0)
		return lockcore.Cancelled
	}

	lockcore.SpinUntil(func() bool { return my.NextID() != 0 })
	newNextID := my.NextID()
	assert.That(newNextID != lockcore.SuccIDSuccessorLeaving, "relink against a leaving successor")
	succ := e.deref(newNextID)
	for !succ.CasPredID(myTail, pred) {
	}
	predBlock.ReplaceLeavingBeacon(newNextID, my.SuccessorClassFlags())
	return lockcore.Cancelled
}

// cancelWriterNoPred deregisters a writer whose predecessor drained away,
// leaving it in the lock word's parking slot rather than the queue.
func (e *Engine[A]) cancelWriterNoPred(
	lock *lockcore.McsRwLock,
	my *lockcore.RwExtBlock,
	myTail uint32,
) lockcore.AcquireResult {
	lockcore.SpinUntil(func() bool {
		return lock.HasNextWriter() || !my.PredWaiting()
	})
	if my.PredGranted() ||
		!lock.CasNextWriter(e.adaptor.MyID(), lockcore.NextWriterNone) {
		// a draining reader picked us up after all
		lockcore.SpinUntil(my.PredGranted)
		my.SetNextFlagGranted()
		return lockcore.Acquired
	}

	// the parking slot is clear; try to repair the tail
	if my.NextID() == 0 && lock.CasTail(myTail, 0) {
		return lockcore.Cancelled
	}

	lockcore.SpinUntil(func() bool { return my.NextID() != 0 })
	nextID := my.NextID()
	assert.That(nextID != lockcore.SuccIDSuccessorLeaving, "leaving successor behind a parked writer")
	succ := e.deref(nextID)
	assert.That(!succ.PredGranted(), "successor granted before the handover")
	if !succ.IsReader() {
		// with no pred of our own, a writer successor takes our place in
		// the parking slot; remaining readers CAS on it, so a blind store
		// is fine here
		assert.That(my.HasWriterSuccessor(), "writer successor without its class bit")
		assert.That(!lock.HasNextWriter(), "parking slot already taken")
		lock.SetNextWriter(lockcore.TailThread(nextID))
		for !succ.CasPredID(myTail, 0) {
		}
	} else {
		assert.That(my.HasReaderSuccessor(), "reader successor without its class bit")
		lockcore.SpinUntil(func() bool {
			return succ.CasPredID(myTail, lockcore.PredIDAcquired)
		})
		lock.IncrementNReaders()
		succ.SetPredGranted()
	}
	return lockcore.Cancelled
}
