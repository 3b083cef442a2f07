package lockcore

// AcquireResult is the three-valued outcome of an acquire attempt.
// Release paths never fail and report nothing.
type AcquireResult uint8

const (
	// Acquired means the lock was granted to the caller's block.
	Acquired AcquireResult = iota
	// Requested means an async acquire queued the block without granting it.
	// The caller must eventually retry to grant or cancel the block.
	Requested
	// Cancelled means the block was withdrawn from the queue without ever
	// holding the lock.
	Cancelled
)

func (r AcquireResult) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case Requested:
		return "requested"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Timeout bounds the local spin of an extended acquire. Positive values are
// spin budgets, not wall-clock durations.
type Timeout int64

const (
	// TimeoutZero makes acquire return Requested immediately when the lock is
	// not free, leaving the block queued.
	TimeoutZero Timeout = 0
	// TimeoutNever spins until the lock is granted.
	TimeoutNever Timeout = -1
)
