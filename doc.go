// Package lockcore holds the shared data model of the queue-based MCS lock
// family used by the transactional workers: lock words, per-waiter queue
// blocks, the host adaptor contracts, and the local-spin helper.
//
// Three lock flavors build on this package:
//   - ww: exclusive write-write MCS lock with an owner-less guest mode
//   - rwsimple: reader-writer MCS lock with unconditional/try acquire
//   - rwext: reader-writer MCS lock with async acquire, timeout, and
//     mid-queue cancellation
//
// Every waiter spins on flags inside its own block, which lives in the
// issuing worker's block arena and is referenced globally by a packed
// (thread id, block index) tail code. The WW lock word holds only the tail
// code of the queue tail, so contention on it is limited to enqueue and the
// empty-queue release CAS; the RW lock word also carries the granted-reader
// count and the parked-writer slot.
package lockcore
