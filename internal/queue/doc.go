// Package queue buffers capture requests emitted by the trial engine
// faster than they can be durably saved.
//
// Guarantees:
//   - strict FIFO: requests reach the session store in enqueue order
//   - at most one upload in flight at any time
//   - no request is silently lost while the queue is open
//   - a failing capture or upload never stalls the queue: the item is
//     logged as a data-quality event and dropped, not retried
//
// Drained-ness is observed through the worker's own signal, so a
// caller returning from Wait cannot race a concurrent Enqueue it has
// already observed.
package queue
