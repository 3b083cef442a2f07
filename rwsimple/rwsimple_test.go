package rwsimple

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

func emptyWord() uint64 {
	return lockcore.PackRwWord(0, 0, lockcore.NextWriterNone)
}

func TestReaderUncontended(t *testing.T) {
	arena := mcstest.NewArena(1, 0)
	engine := New(arena.SimpleHost(0))
	lock := lockcore.NewMcsRwLock()

	index := engine.AcquireUnconditionalReader(lock)
	require.NotZero(t, index)
	assert.Equal(t, uint16(1), lock.NReaders())
	assert.Equal(t, lockcore.TailCode(0, index), lock.Tail())

	engine.ReleaseReader(lock, index)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestWriterUncontended(t *testing.T) {
	arena := mcstest.NewArena(1, 0)
	engine := New(arena.SimpleHost(0))
	lock := lockcore.NewMcsRwLock()

	index := engine.AcquireUnconditionalWriter(lock)
	require.NotZero(t, index)
	assert.Equal(t, uint16(0), lock.NReaders())

	engine.ReleaseWriter(lock, index)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestReadersShare(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	first := New(arena.SimpleHost(0))
	second := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	i0 := first.AcquireUnconditionalReader(lock)
	// the second reader joins a granted reader without blocking
	i1 := second.AcquireUnconditionalReader(lock)
	assert.Equal(t, uint16(2), lock.NReaders())

	first.ReleaseReader(lock, i0)
	assert.Equal(t, uint16(1), lock.NReaders())
	second.ReleaseReader(lock, i1)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestWriterWaitsForReader(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	reader := New(arena.SimpleHost(0))
	writer := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	ri := reader.AcquireUnconditionalReader(lock)

	got := make(chan lockcore.BlockIndex)
	go func() {
		got <- writer.AcquireUnconditionalWriter(lock)
	}()

	select {
	case <-got:
		t.Fatal("writer acquired a reader-held lock")
	case <-time.After(10 * time.Millisecond):
	}

	reader.ReleaseReader(lock, ri)
	wi := <-got
	assert.Equal(t, uint16(0), lock.NReaders())
	writer.ReleaseWriter(lock, wi)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestWriterParksOnDrainingReaders(t *testing.T) {
	arena := mcstest.NewArena(3, 0)
	r0 := New(arena.SimpleHost(0))
	r1 := New(arena.SimpleHost(1))
	writer := New(arena.SimpleHost(2))
	lock := lockcore.NewMcsRwLock()

	i0 := r0.AcquireUnconditionalReader(lock)
	i1 := r1.AcquireUnconditionalReader(lock)

	// the tail reader leaves first, so the queue empties while a reader is
	// still active and the writer must park in the lock word
	r1.ReleaseReader(lock, i1)
	assert.Equal(t, uint16(1), lock.NReaders())
	assert.Equal(t, uint32(0), lock.Tail())

	got := make(chan lockcore.BlockIndex)
	go func() {
		got <- writer.AcquireUnconditionalWriter(lock)
	}()

	select {
	case <-got:
		t.Fatal("writer acquired with an active reader")
	case <-time.After(10 * time.Millisecond):
	}
	assert.True(t, lock.HasNextWriter())

	r0.ReleaseReader(lock, i0)
	wi := <-got
	writer.ReleaseWriter(lock, wi)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestReaderHandoffFromWriter(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	writer := New(arena.SimpleHost(0))
	reader := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	wi := writer.AcquireUnconditionalWriter(lock)

	got := make(chan lockcore.BlockIndex)
	go func() {
		got <- reader.AcquireUnconditionalReader(lock)
	}()

	select {
	case <-got:
		t.Fatal("reader acquired a writer-held lock")
	case <-time.After(10 * time.Millisecond):
	}

	writer.ReleaseWriter(lock, wi)
	ri := <-got
	assert.Equal(t, uint16(1), lock.NReaders())
	reader.ReleaseReader(lock, ri)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestTryReader(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	engine := New(arena.SimpleHost(0))
	writer := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	// free lock: the single-shot grab succeeds
	index := engine.AcquireTryReader(lock)
	require.NotZero(t, index)
	assert.Equal(t, uint16(1), lock.NReaders())

	// a second try-reader shares with the first
	index2 := engine.AcquireTryReader(lock)
	require.NotZero(t, index2)
	assert.Equal(t, uint16(2), lock.NReaders())

	engine.ReleaseReader(lock, index)
	engine.ReleaseReader(lock, index2)
	assert.Equal(t, emptyWord(), lock.LoadWord())

	// writer-held lock: the try fails without queueing
	wi := writer.AcquireUnconditionalWriter(lock)
	assert.Zero(t, engine.AcquireTryReader(lock))
	writer.ReleaseWriter(lock, wi)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestTryWriter(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	engine := New(arena.SimpleHost(0))
	reader := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	index := engine.AcquireTryWriter(lock)
	require.NotZero(t, index)
	engine.ReleaseWriter(lock, index)
	assert.Equal(t, emptyWord(), lock.LoadWord())

	// any reader presence defeats the empty-word CAS
	ri := reader.AcquireUnconditionalReader(lock)
	assert.Zero(t, engine.AcquireTryWriter(lock))
	reader.ReleaseReader(lock, ri)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestAsyncReaderRetry(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	engine := New(arena.SimpleHost(0))
	writer := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	wi := writer.AcquireUnconditionalWriter(lock)

	index, ok := engine.AcquireAsyncReader(lock)
	require.NotZero(t, index)
	assert.False(t, ok)
	assert.False(t, engine.RetryAsyncReader(lock, index))

	// a failed single-shot leaves nothing queued, so cancel is free
	engine.CancelAsyncReader(lock, index)

	writer.ReleaseWriter(lock, wi)
	assert.True(t, engine.RetryAsyncReader(lock, index))
	assert.Equal(t, uint16(1), lock.NReaders())
	engine.ReleaseReader(lock, index)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestAsyncWriterRetry(t *testing.T) {
	arena := mcstest.NewArena(2, 0)
	engine := New(arena.SimpleHost(0))
	reader := New(arena.SimpleHost(1))
	lock := lockcore.NewMcsRwLock()

	ri := reader.AcquireUnconditionalReader(lock)

	index, ok := engine.AcquireAsyncWriter(lock)
	require.NotZero(t, index)
	assert.False(t, ok)
	assert.False(t, engine.RetryAsyncWriter(lock, index))
	engine.CancelAsyncWriter(lock, index)

	reader.ReleaseReader(lock, ri)
	assert.True(t, engine.RetryAsyncWriter(lock, index))
	engine.ReleaseWriter(lock, index)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func TestMixedStress(t *testing.T) {
	const numWriters = 2
	const numReaders = 6
	const iterations = 300

	arena := mcstest.NewArena(numWriters+numReaders, 0)
	lock := lockcore.NewMcsRwLock()
	counter := 0
	var readers, writers atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	wg.Add(numWriters + numReaders)
	for i := 0; i < numWriters; i++ {
		go func(id lockcore.ThreadID) {
			defer wg.Done()
			engine := New(arena.SimpleHost(id))
			for range iterations {
				index := engine.AcquireUnconditionalWriter(lock)
				if writers.Add(1) != 1 || readers.Load() != 0 {
					violations.Add(1)
				}
				counter++
				writers.Add(-1)
				engine.ReleaseWriter(lock, index)
			}
		}(lockcore.ThreadID(i))
	}
	for i := 0; i < numReaders; i++ {
		go func(id lockcore.ThreadID) {
			defer wg.Done()
			engine := New(arena.SimpleHost(id))
			for range iterations {
				index := engine.AcquireUnconditionalReader(lock)
				readers.Add(1)
				if writers.Load() != 0 {
					violations.Add(1)
				}
				readers.Add(-1)
				engine.ReleaseReader(lock, index)
			}
		}(lockcore.ThreadID(numWriters + i))
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "readers and writers overlapped")
	assert.Equal(t, numWriters*iterations, counter)
	assert.Equal(t, emptyWord(), lock.LoadWord())
}

func BenchmarkRWMutexReadUncontended(b *testing.B) {
	var mu sync.RWMutex
	for i := 0; i < b.N; i++ {
		mu.RLock()
		mu.RUnlock()
	}
}

func BenchmarkSimpleReaderUncontended(b *testing.B) {
	arena := mcstest.NewArena(1, 0xFFFF)
	engine := New(arena.SimpleHost(0))
	lock := lockcore.NewMcsRwLock()
	for i := 0; i < b.N; i++ {
		if i&0x3FFF == 0x3FFF {
			arena.Reset()
		}
		index := engine.AcquireUnconditionalReader(lock)
		engine.ReleaseReader(lock, index)
	}
}

func BenchmarkSimpleWriterUncontended(b *testing.B) {
	arena := mcstest.NewArena(1, 0xFFFF)
	engine := New(arena.SimpleHost(0))
	lock := lockcore.NewMcsRwLock()
	for i := 0; i < b.N; i++ {
		if i&0x3FFF == 0x3FFF {
			arena.Reset()
		}
		index := engine.AcquireUnconditionalWriter(lock)
		engine.ReleaseWriter(lock, index)
	}
}
