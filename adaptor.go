package lockcore

// WwAdaptor supplies an exclusive-lock engine with per-thread queue blocks
// and the cross-thread waiting flags the release handshake toggles. A thread
// owns a monotonically growing block arena; indexes are recycled in bulk by
// the host between lock epochs, never one at a time.
type WwAdaptor interface {
	// MyID returns the calling thread's id.
	MyID() ThreadID
	// IssueNewBlock consumes and returns the thread's next block index.
	IssueNewBlock() BlockIndex
	// CurrentBlockIndex returns the most recently issued index.
	CurrentBlockIndex() BlockIndex
	// MyBlock dereferences one of the calling thread's blocks.
	MyBlock(index BlockIndex) *WwBlock
	// OtherBlock dereferences another thread's block.
	OtherBlock(id ThreadID, index BlockIndex) *WwBlock
	// SetMeWaiting publishes the calling thread's waiting flag.
	SetMeWaiting(waiting bool)
	// MeWaiting reads the calling thread's waiting flag.
	MeWaiting() bool
	// ClearOtherWaiting drops another thread's waiting flag, waking it.
	ClearOtherWaiting(id ThreadID)
}

// RwAdaptor supplies a reader-writer engine with per-thread queue blocks of
// type B. The same host usually backs both flavors with parallel arenas.
type RwAdaptor[B any] interface {
	// MyID returns the calling thread's id.
	MyID() ThreadID
	// IssueNewBlock consumes and returns the thread's next block index.
	IssueNewBlock() BlockIndex
	// CurrentBlockIndex returns the most recently issued index.
	CurrentBlockIndex() BlockIndex
	// OtherCurrentBlockIndex returns another thread's most recent index.
	// Release paths use it to find the block a parked writer is spinning on.
	OtherCurrentBlockIndex(id ThreadID) BlockIndex
	// MyBlock dereferences one of the calling thread's blocks.
	MyBlock(index BlockIndex) *B
	// OtherBlock dereferences another thread's block.
	OtherBlock(id ThreadID, index BlockIndex) *B
}

// DerefBlock resolves a packed tail code through an adaptor.
func DerefBlock[B any](a RwAdaptor[B], code uint32) *B {
	return a.OtherBlock(TailThread(code), TailBlock(code))
}
