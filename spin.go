package lockcore

import "runtime"

// spinYieldMask controls how often a local spin yields to the scheduler.
// Goroutines are cheaper to reschedule than OS threads, so the interval is
// much shorter than a hardware busy-wait would use.
const spinYieldMask = 0xFF

func yieldProc() { runtime.Gosched() }

// SpinUntil spins locally until cond returns true, yielding to the runtime
// every few hundred iterations. Every waiter spins on fields of its own
// block, so the loop body stays in-cache and off the lock word.
func SpinUntil(cond func() bool) {
	for spins := uint64(0); !cond(); spins++ {
		if spins&spinYieldMask == spinYieldMask {
			yieldProc()
		}
	}
}
