package ww

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliddb/lockcore"
	"github.com/soliddb/lockcore/mcstest"
)

func TestAcquireReleaseUncontended(t *testing.T) {
	arena := mcstest.NewArena(1, 0)
	engine := New(arena.WwHost(0))
	var lock lockcore.McsLock

	index := engine.AcquireUnconditional(&lock)
	require.NotZero(t, index)
	assert.True(t, lock.IsLocked())
	assert.Equal(t, lockcore.TailCode(0, index), lock.Tail())

	engine.Release(&lock, index)
	assert.False(t, lock.IsLocked())
}

func TestInitialTakesUnlockedLock(t *testing.T) {
	arena := mcstest.NewArena(1, 0)
	engine := New(arena.WwHost(0))
	var lock lockcore.McsLock

	index := engine.Initial(&lock)
	require.NotZero(t, index)
	assert.True(t, lock.IsLocked())

	engine.Release(&lock, index)
	assert.False(t, lock.IsLocked())
}

func TestHandoffToWaiter(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	holder := New(arena.WwHost(0))
	waiter := New(arena.WwHost(1))
	var lock lockcore.McsLock

	held := holder.AcquireUnconditional(&lock)

	got := make(chan lockcore.BlockIndex)
	go func() {
		got <- waiter.AcquireUnconditional(&lock)
	}()

	// the waiter is parked on its own flag, not the lock word
	select {
	case <-got:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(10 * time.Millisecond):
	}

	holder.Release(&lock, held)
	index := <-got
	assert.True(t, lock.IsLocked())
	waiter.Release(&lock, index)
	assert.False(t, lock.IsLocked())
}

func TestMutualExclusionStress(t *testing.T) {
	const numGoroutines = 8
	const iterations = 400

	arena := mcstest.NewArena(numGoroutines, 0)
	var lock lockcore.McsLock
	counter := 0
	var inCritical atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id lockcore.ThreadID) {
			defer wg.Done()
			engine := New(arena.WwHost(id))
			for range iterations {
				index := engine.AcquireUnconditional(&lock)
				if inCritical.Add(1) != 1 {
					violations.Add(1)
				}
				counter++
				inCritical.Add(-1)
				engine.Release(&lock, index)
			}
		}(lockcore.ThreadID(i))
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "overlapping critical sections")
	assert.Equal(t, numGoroutines*iterations, counter)
	assert.False(t, lock.IsLocked())
}

func TestGuestHold(t *testing.T) {
	var lock lockcore.McsLock

	OwnerlessInitial(&lock)
	assert.True(t, lock.IsLocked())
	assert.Equal(t, lockcore.GuestTailCode, lock.Tail())
	OwnerlessRelease(&lock)
	assert.False(t, lock.IsLocked())

	OwnerlessAcquireUnconditional(&lock)
	assert.Equal(t, lockcore.GuestTailCode, lock.Tail())
	OwnerlessRelease(&lock)
	assert.False(t, lock.IsLocked())
}

func TestGuestBlocksQueuedWaiter(t *testing.T) {
	arena := mcstest.NewArena(1, 0)
	engine := New(arena.WwHost(0))
	var lock lockcore.McsLock

	OwnerlessAcquireUnconditional(&lock)

	got := make(chan lockcore.BlockIndex)
	go func() {
		got <- engine.AcquireUnconditional(&lock)
	}()

	select {
	case <-got:
		t.Fatal("waiter acquired a guest-held lock")
	case <-time.After(10 * time.Millisecond):
	}

	OwnerlessRelease(&lock)
	index := <-got
	engine.Release(&lock, index)
	assert.False(t, lock.IsLocked())
}

func TestGuestContendsWithWorkers(t *testing.T) {
	const numGoroutines = 4
	const iterations = 200

	arena := mcstest.NewArena(numGoroutines, 0)
	var lock lockcore.McsLock
	var inCritical atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	wg.Add(numGoroutines + 1)
	for i := 0; i < numGoroutines; i++ {
		go func(id lockcore.ThreadID) {
			defer wg.Done()
			engine := New(arena.WwHost(id))
			for range iterations {
				index := engine.AcquireUnconditional(&lock)
				if inCritical.Add(1) != 1 {
					violations.Add(1)
				}
				inCritical.Add(-1)
				engine.Release(&lock, index)
			}
		}(lockcore.ThreadID(i))
	}
	go func() {
		defer wg.Done()
		for range iterations {
			OwnerlessAcquireUnconditional(&lock)
			if inCritical.Add(1) != 1 {
				violations.Add(1)
			}
			inCritical.Add(-1)
			OwnerlessRelease(&lock)
		}
	}()
	wg.Wait()

	assert.Zero(t, violations.Load(), "overlapping critical sections")
	assert.False(t, lock.IsLocked())
}

func BenchmarkMutexUncontended(b *testing.B) {
	var mu sync.Mutex
	for i := 0; i < b.N; i++ {
		mu.Lock()
		mu.Unlock()
	}
}

func BenchmarkWwUncontended(b *testing.B) {
	arena := mcstest.NewArena(1, 0xFFFF)
	engine := New(arena.WwHost(0))
	var lock lockcore.McsLock
	for i := 0; i < b.N; i++ {
		if i&0x3FFF == 0x3FFF {
			arena.Reset()
		}
		index := engine.AcquireUnconditional(&lock)
		engine.Release(&lock, index)
	}
}

func BenchmarkWwGuestUncontended(b *testing.B) {
	var lock lockcore.McsLock
	for i := 0; i < b.N; i++ {
		OwnerlessAcquireUnconditional(&lock)
		OwnerlessRelease(&lock)
	}
}
