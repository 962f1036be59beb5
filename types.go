// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

// HashValue is a caller-supplied 128-bit key for the hash table and any
// other structure keyed by hash (spec.md §1: "assumes the caller supplies
// 128-bit hash values for keyed structures").
type HashValue struct {
	Hi, Lo uint64
}

// Less gives HashValue a total order so views can be iterated
// deterministically when two keys share a create-epoch; it has no bearing
// on bucket placement, which uses the value as-is.
func (h HashValue) Less(o HashValue) bool {
	if h.Hi != o.Hi {
		return h.Hi < o.Hi
	}
	return h.Lo < o.Lo
}

// FIFOConsumer dequeues elements from a FIFO structure (SegQueue or Ring).
type FIFOConsumer[T any] interface {
	// Dequeue removes and returns the oldest element.
	// Returns ErrNotFound if the structure is observably empty.
	Dequeue() (T, error)
}

// Stacker is the LIFO interface satisfied by Stack.
type Stacker[T any] interface {
	// Push adds an element. Lock-free: may retry internally under
	// contention with a concurrent Pop or migration, but always
	// completes without blocking on another goroutine's progress.
	Push(elem *T)
	// Pop removes and returns the most recently pushed live element.
	// Returns ErrNotFound if the stack is observably empty.
	Pop() (T, error)
	// Peek returns the most recently pushed live element without
	// removing it. Returns ErrNotFound if the stack is observably empty.
	Peek() (T, error)
}

// CompareAndPopper is the interface satisfied by CAPQ: a FIFO whose
// primary read operation exposes the linearization epoch of the head
// item, so a caller can attempt to remove exactly that item and no other
// (spec.md §4.4's "help" pattern for other wait-free algorithms).
type CompareAndPopper[T any] interface {
	// Enqueue adds an element and returns the epoch it was linearized
	// at. Wait-free; never fails.
	Enqueue(elem *T) uint64
	// Top returns the current head item and its epoch without removing
	// it. Returns ErrNotFound if the queue is observably empty.
	Top() (T, uint64, error)
	// Cap removes the head item only if it is still linearized at
	// epoch. Returns true if the removal happened.
	Cap(epoch uint64) bool
	// Dequeue is the lock-free top+Cap retry wrapper described in
	// spec.md §4.4. Returns ErrNotFound if the queue is observably
	// empty.
	Dequeue() (T, error)
}

// View is a point-in-time, linearizable snapshot of a hash table or ring,
// walked with a cursor. Both implementations copy the snapshot's items into
// a slice when the snapshot is taken.
type View[T any] interface {
	// Next advances the cursor and reports whether an item is
	// available. Must be called before the first Item.
	Next() bool
	// Item returns the current cursor item. Valid only after a Next
	// call that returned true.
	Item() T
	// Release returns any claimed backing store to MMM for
	// reclamation. Safe to call multiple times.
	Release()
}

// Drainer signals that no more enqueues will occur.
//
// FAA-based bounded structures may implement this interface to let a
// shutdown sequence disable their livelock-prevention threshold once
// producers are known to be finished.
//
// Example:
//
//	prodWg.Wait()  // Wait for producers to finish
//	if d, ok := q.(wfree.Drainer); ok {
//	    d.Drain()
//	}
//	// Consumers can now drain all remaining items
type Drainer interface {
	// Drain is a hint — the caller must ensure no further Enqueue
	// calls will be made after calling Drain.
	Drain()
}
