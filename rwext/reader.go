package rwext

import (
	"go.uber.org/zap"

	"github.com/soliddb/lockcore"
	"github.com/soliddb/lockcore/internal/assert"
)

func (e *Engine[A]) acquireReader(lock *lockcore.McsRwLock, t lockcore.Timeout) (lockcore.BlockIndex, lockcore.AcquireResult) {
	id := e.adaptor.MyID()
	index := e.adaptor.IssueNewBlock()
	my := e.adaptor.MyBlock(index)
	my.InitReader()
	myTail := lockcore.TailCode(id, index)

	pred := lock.SwapTail(myTail)
	if pred == 0 {
		lock.IncrementNReaders()
		my.SetPredGranted()
		e.finishAcquireReader(lock, my, myTail)
		return index, lockcore.Acquired
	}

	// our pred cell is still 0, so the predecessor cannot touch us yet and
	// its block is safe to dereference
	predBlock := e.deref(pred)
	if predBlock.IsReader() {
		return index, e.checkReaderPred(lock, my, myTail, pred, t)
	}
	return index, e.checkWriterPred(lock, my, myTail, pred, t)
}

// finishAcquireReader completes the post-grant cascade. A granted reader
// pulls its registered reader successor in behind it, so a run of readers
// admits itself one handshake at a time.
func (e *Engine[A]) finishAcquireReader(lock *lockcore.McsRwLock, my *lockcore.RwExtBlock, myTail uint32) {
	my.SetNextFlagBusyGranted()
	lockcore.SpinUntil(func() bool { return my.NextID() != lockcore.SuccIDSuccessorLeaving })

	// tail still pointing at us means truly nobody is behind
	if lock.Tail() == myTail {
		my.UnsetNextFlagBusy()
		return
	}

	// the successor cannot cancel now, so our next id is stable once set
	lockcore.SpinUntil(func() bool { return my.NextID() != 0 })
	nextID := my.NextID()
	if nextID == lockcore.SuccIDNoSuccessor {
		my.UnsetNextFlagBusy()
		return
	}

	succ := e.deref(nextID)
	if my.IsLeavingGranted() && !my.HasSuccessor() {
		// the successor saw us in the leaving state and did not register a
		// class; it is waiting on its pred cell for our verdict
		lockcore.SpinUntil(func() bool { return succ.PredID() == myTail })
		if succ.CasPredID(myTail, lockcore.PredIDAcquired) {
			lock.IncrementNReaders()
			succ.SetPredGranted()
			my.SetNextID(lockcore.SuccIDNoSuccessor)
		}
	} else if my.HasReaderSuccessor() {
		for {
			lockcore.SpinUntil(func() bool { return succ.PredID() == myTail })
			if succ.CasPredID(myTail, lockcore.PredIDAcquired) {
				lock.IncrementNReaders()
				succ.SetPredGranted()
				my.SetNextID(lockcore.SuccIDNoSuccessor)
				break
			}
		}
	}
	my.UnsetNextFlagBusy()
}

func (e *Engine[A]) checkReaderPred(
	lock *lockcore.McsRwLock,
	my *lockcore.RwExtBlock,
	myTail, pred uint32,
	t lockcore.Timeout,
) lockcore.AcquireResult {
	predBlock := e.deref(pred)
	for {
		assert.That(predBlock.IsReader(), "reader-pred path on a writer predecessor")
		// wait for any cancelling successor of pred to finish leaving
		lockcore.SpinUntil(func() bool {
			return predBlock.NextID() == 0 && !predBlock.HasSuccessor()
		})
		expected := predBlock.MakeWaitingNoSuccessorFlags()
		val := predBlock.CasNextFlagsVal(expected, predBlock.MakeWaitingReaderSuccessorFlags())
		if val == expected {
			predBlock.SetNextID(myTail)
			my.SetPredID(pred)
			if my.TimeoutGranted(t) {
				e.finishAcquireReader(lock, my, myTail)
				return lockcore.Acquired
			}
			if t == lockcore.TimeoutZero {
				return lockcore.Requested
			}
			return e.cancelReader(lock, myTail)
		}

		if lockcore.RwExtFlagsLeaving(val) {
			// do not register a class on a leaving pred; just link the id.
			// If pred cancels it gives us a new pred, if it acquires it
			// wakes us up.
			predBlock.SetNextID(myTail)
			my.SetPredID(pred)
			lockcore.SpinUntil(func() bool {
				return my.PredID() != pred || !my.PredWaiting()
			})
			pred = my.SwapPredID(0)
			if pred == lockcore.PredIDAcquired {
				lockcore.SpinUntil(my.PredGranted)
				e.finishAcquireReader(lock, my, myTail)
				return lockcore.Acquired
			}
			assert.That(pred != 0, "leaving reader pred vanished without a handover")
			predBlock = e.deref(pred)
			if !predBlock.IsReader() {
				return e.checkWriterPred(lock, my, myTail, pred, t)
			}
			continue
		}

		// pred is granted, directly or mid-leave
		assert.That(lockcore.RwExtFlagsGranted(val), "reader pred in an unknown state")
		if predBlock.IsReader() {
			// we never registered, so pred will not wake us up; closing its
			// next slot also tells a leaving-granted or releasing pred not
			// to wait on us
			predBlock.SetNextID(lockcore.SuccIDNoSuccessor)
			lock.IncrementNReaders()
			my.SetPredGranted()
			e.finishAcquireReader(lock, my, myTail)
			return lockcore.Acquired
		}
		my.SetPredID(pred)
		predBlock.SetNextID(myTail)
		if my.TimeoutGranted(t) {
			e.finishAcquireReader(lock, my, myTail)
			return lockcore.Acquired
		}
		if t == lockcore.TimeoutZero {
			return lockcore.Requested
		}
		return e.cancelReader(lock, myTail)
	}
}

func (e *Engine[A]) checkWriterPred(
	lock *lockcore.McsRwLock,
	my *lockcore.RwExtBlock,
	myTail, pred uint32,
	t lockcore.Timeout,
) lockcore.AcquireResult {
	predBlock := e.deref(pred)
	assert.That(!predBlock.IsReader(), "writer-pred path on a reader predecessor")
	// wait for any cancelling successor of pred to finish leaving
	lockcore.SpinUntil(func() bool {
		return predBlock.NextID() == 0 && !predBlock.HasSuccessor()
	})
	// a writer pred means waiting either way; register the class first, then
	// publish the id
	predBlock.SetNextFlagReaderSuccessor()
	predBlock.SetNextID(myTail)
	if my.SwapPredID(pred) == lockcore.PredIDAcquired {
		// pred released while we linked; it already owes us the wakeup
		t = lockcore.TimeoutNever
	}

	if my.TimeoutGranted(t) {
		e.finishAcquireReader(lock, my, myTail)
		return lockcore.Acquired
	}
	if t == lockcore.TimeoutZero {
		return lockcore.Requested
	}
	return e.cancelReader(lock, myTail)
}

func (e *Engine[A]) cancelReader(lock *lockcore.McsRwLock, myTail uint32) lockcore.AcquireResult {
	my := e.deref(myTail)
	// claim the pred cell so the predecessor cannot hand over mid-cancel
	pred := my.SwapPredID(0)
	if pred == lockcore.PredIDAcquired {
		lockcore.SpinUntil(my.PredGranted)
		e.finishAcquireReader(lock, my, myTail)
		return lockcore.Acquired
	}

	e.log.Debug("reader cancelling", zap.Uint32("tail", myTail))
	assert.That(!my.IsGranted(), "cancel of a granted reader")
	my.SetNextFlagLeaving()
	lockcore.SpinUntil(func() bool { return my.NextID() != lockcore.SuccIDSuccessorLeaving })

	assert.That(pred != 0, "cancelling reader with no predecessor")
	predBlock := e.deref(pred)
	if predBlock.IsReader() {
		return e.cancelReaderWithReaderPred(lock, my, myTail, pred)
	}
	return e.cancelReaderWithWriterPred(lock, my, myTail, pred)
}

func (e *Engine[A]) cancelReaderWithReaderPred(
	lock *lockcore.McsRwLock,
	my *lockcore.RwExtBlock,
	myTail, pred uint32,
) lockcore.AcquireResult {
retry:
	assert.That(my.IsLeaving(), "cancel path without the leaving mark")
	assert.That(lockcore.TailThread(pred) != e.adaptor.MyID(), "predecessor is self")
	predBlock := e.deref(pred)
	// wait for a cancelling pred to finish its own relink to us
	lockcore.SpinUntil(func() bool {
		return predBlock.HasReaderSuccessor() && predBlock.NextID() == myTail
	})

	// swap the leaving beacon into pred's id cell, keeping its flags intact
	expected := lockcore.RwExtNextWord(myTail, predBlock.MakeWaitingReaderSuccessorFlags())
	desired := lockcore.RwExtNextWord(lockcore.SuccIDSuccessorLeaving, predBlock.MakeWaitingReaderSuccessorFlags())
	val := predBlock.CasNextWordVal(expected, desired)
	if val != expected {
		flags := uint32(val)
		if lockcore.RwExtFlagsGranted(flags) {
			// we are still registered as a reader successor, so the granted
			// pred will wake us in its own finish-acquire
			my.SetPredID(pred)
			my.TimeoutGranted(lockcore.TimeoutNever)
			e.finishAcquireReader(lock, my, myTail)
			return lockcore.Acquired
		}
		assert.That(lockcore.RwExtFlagsLeaving(flags), "reader pred in an unknown state")
		// pred leaves first; it already has us on its next id and will hand
		// us a new pred or wake us up
		my.SetPredID(pred)
		lockcore.SpinUntil(func() bool {
			return my.PredID() != pred || !my.PredWaiting()
		})
		pred = my.SwapPredID(0)
		if pred == lockcore.PredIDAcquired {
			lockcore.SpinUntil(my.PredGranted)
			e.finishAcquireReader(lock, my, myTail)
			return lockcore.Acquired
		}
		assert.That(pred != 0, "leaving reader pred vanished without a handover")
		predBlock = e.deref(pred)
		if !predBlock.IsReader() {
			return e.cancelReaderWithWriterPred(lock, my, myTail, pred)
		}
		goto retry
	}

	// pred now carries the beacon; it waits for a new successor if it moves,
	// and our own successor waits for a new pred
	if !my.HasSuccessor() && lock.CasTail(myTail, pred) {
		assert.That(my.NextID() == 0, "tail repair with a linked successor")
		predBlock.SetNextFlagNoSuccessor()
		predBlock.SetNextID(0)
		return lockcore.Cancelled
	}
	e.cancelReaderRelink(predBlock, my, myTail, pred)
	return lockcore.Cancelled
}

func (e *Engine[A]) cancelReaderWithWriterPred(
	lock *lockcore.McsRwLock,
	my *lockcore.RwExtBlock,
	myTail, pred uint32,
) lockcore.AcquireResult {
retry:
	assert.That(my.IsLeaving(), "cancel path without the leaving mark")
	assert.That(lockcore.TailThread(pred) != e.adaptor.MyID(), "predecessor is self")
	predBlock := e.deref(pred)
	assert.That(!predBlock.IsReader(), "writer-pred cancel on a reader predecessor")
	// wait for a cancelling pred to finish its own relink to us
	lockcore.SpinUntil(func() bool {
		return predBlock.NextID() == myTail && predBlock.HasReaderSuccessor()
	})
	for {
		eflags := predBlock.NextFlags()
		if lockcore.RwExtFlagsLeaving(eflags) {
			// pred leaves first; after its handover CAS on us fails it will
			// give us a new pred
			my.SetPredID(pred)
			lockcore.SpinUntil(func() bool { return my.PredID() != pred })
			pred = my.SwapPredID(0)
			if pred == lockcore.PredIDAcquired {
				lockcore.SpinUntil(my.PredGranted)
				e.finishAcquireReader(lock, my, myTail)
				return lockcore.Acquired
			}
			assert.That(pred != 0, "leaving writer pred vanished without a handover")
			predBlock = e.deref(pred)
			if !predBlock.IsReader() {
				goto retry
			}
			return e.cancelReaderWithReaderPred(lock, my, myTail, pred)
		}
		if lockcore.RwExtFlagsBusy(eflags) {
			// pred is releasing and will grant us momentarily
			my.SetPredID(pred)
			lockcore.SpinUntil(my.PredGranted)
			e.finishAcquireReader(lock, my, myTail)
			return lockcore.Acquired
		}
		// tell pred we are leaving
		if predBlock.CasNextWord(
			lockcore.RwExtNextWord(myTail, eflags),
			lockcore.RwExtNextWord(lockcore.SuccIDSuccessorLeaving, eflags)) {
			break
		}
	}

	// pred carries the beacon now and will not try to wake us during release
	if my.NextID() == 0 && lock.CasTail(myTail, pred) {
		predBlock.SetNextFlagNoSuccessor()
		predBlock.SetNextID(0)
		return lockcore.Cancelled
	}
	e.cancelReaderRelink(predBlock, my, myTail, pred)
	return lockcore.Cancelled
}

// cancelReaderRelink splices this waiter out of the middle of the queue:
// point the successor's pred cell at pred, then replace the beacon in pred's
// next slot with the successor's id and class.
func (e *Engine[A]) cancelReaderRelink(
	predBlock, my *lockcore.RwExtBlock,
	myTail, pred uint32,
) {
	lockcore.SpinUntil(func() bool { return my.NextID() != 0 })
	nextID := my.NextID()
	assert.That(nextID != lockcore.SuccIDSuccessorLeaving, "relink against a leaving successor")
	succ := e.deref(nextID)
	for !succ.CasPredID(myTail, pred) {
	}
	assert.That(predBlock.NextID() == lockcore.SuccIDSuccessorLeaving, "relink without the beacon in place")
	predBlock.ReplaceLeavingBeacon(nextID, my.SuccessorClassFlags())
}

// ReleaseReader retires one reader share. The busy window keeps the
// successor from cancelling while we decide who to hand over to.
func (e *Engine[A]) ReleaseReader(lock *lockcore.McsRwLock, index lockcore.BlockIndex) {
	id := e.adaptor.MyID()
	myTail := lockcore.TailCode(id, index)
	my := e.adaptor.MyBlock(index)
	assert.That(my.IsGranted(), "release of an ungranted reader")

	my.SetNextFlagBusy()
	lockcore.SpinUntil(func() bool { return my.NextID() != lockcore.SuccIDSuccessorLeaving })

	nextID := my.NextID()
	for nextID == 0 {
		if lock.CasTail(myTail, 0) {
			e.finishReleaseReader(lock)
			return
		}
		nextID = my.NextID()
	}

	if nextID != lockcore.SuccIDNoSuccessor {
		succ := e.deref(nextID)
		assert.That(!succ.PredGranted(), "successor granted before the handover")
		if succ.IsReader() {
			lock.IncrementNReaders()
			for !succ.CasPredID(myTail, lockcore.PredIDAcquired) {
			}
			succ.SetPredGranted()
		} else {
			assert.That(my.HasWriterSuccessor(), "writer successor without its class bit")
			assert.That(!lock.HasNextWriter(), "parking slot already taken")
			lock.SetNextWriter(lockcore.TailThread(nextID))
			// the successor has no pred anymore; it now waits on the
			// parking slot
			lockcore.SpinUntil(func() bool { return succ.CasPredID(myTail, 0) })
		}
	}
	e.finishReleaseReader(lock)
}

// finishReleaseReader wakes the parked writer once the last reader drains.
func (e *Engine[A]) finishReleaseReader(lock *lockcore.McsRwLock) {
	if lock.DecrementNReaders() > 1 {
		return
	}
	nw := lock.NextWriter()
	if nw != lockcore.NextWriterNone && lock.NReaders() == 0 &&
		lock.CasNextWriter(nw, lockcore.NextWriterNone) {
		wi := e.adaptor.OtherCurrentBlockIndex(nw)
		wb := e.adaptor.OtherBlock(nw, wi)
		assert.That(!wb.PredGranted(), "parked writer already granted")
		for !wb.CasPredID(0, lockcore.PredIDAcquired) {
		}
		wb.SetPredGranted()
	}
}
