// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

import (
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/wfree/internal/mmm"
)

// Ring is a bounded, power-of-two-sized, multi-producer/multi-consumer
// ring buffer (spec.md §4.3). Enqueue never fails: when the ring is full,
// the oldest enqueued-but-not-yet-dequeued item is silently overwritten
// and an optional drop handler observes it. Dequeue returns ErrNotFound on
// observed emptiness rather than blocking.
//
// Grounded on the teacher's FAA-based SCQ slot/cycle pattern (mpmc.go):
// a cell's packed meta word plays the role mpmc.go's per-slot "cycle"
// plays, except the meta word tracks an absolute epoch rather than a
// cycle-of-capacity, because a Ring's epoch also doubles as the item's
// linearization point for View snapshots.
type Ring[T any] struct {
	_            pad
	enqueueEpoch atomix.Uint64
	_            pad
	dequeueEpoch atomix.Uint64
	_            pad
	viewClaimed  atomix.Uint64
	_            pad
	cells        []ringCell[T]
	capacity     uint64
	mask         uint64
	dropHandler  func(T)
	backoffCap   time.Duration
	mgr          *mmm.Manager
}

type ringCell[T any] struct {
	meta atomix.Uint64 // (epoch << 1) | enqueuedBit
	data T
	_    padShort
}

const ringEnqueuedBit = uint64(1)

// NewRing creates a Ring of the given capacity, rounded up to the next
// power of 2. Panics if capacity < 2.
func NewRing[T any](capacity int, opts ...Option) *Ring[T] {
	if capacity < 2 {
		panic("wfree: capacity must be >= 2")
	}
	o := applyOptions(opts)
	n := uint64(roundToPow2(capacity))
	r := &Ring[T]{
		cells:      make([]ringCell[T], n),
		capacity:   n,
		mask:       n - 1,
		backoffCap: o.fullBackoffCap,
		mgr:        mmm.NewManager(),
	}
	if o.dropHandler != nil {
		r.dropHandler = func(v T) { o.dropHandler(v) }
	}
	return r
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int { return int(r.capacity) }

// Enqueue adds elem to the ring. Never fails; if the ring is full, the
// oldest item is overwritten and reported to the drop handler (if one was
// installed). Returns the epoch elem was assigned.
func (r *Ring[T]) Enqueue(elem *T) uint64 {
	for {
		enq := r.enqueueEpoch.LoadAcquire()
		deq := r.dequeueEpoch.LoadAcquire()
		if enq >= deq+r.capacity {
			r.advanceDequeuePastFull(enq)
		}

		myPos := r.enqueueEpoch.AddAcqRel(1) - 1
		writeEpoch := myPos + 1
		slot := &r.cells[myPos&r.mask]

		overtaken := false
		for {
			meta := slot.meta.LoadAcquire()
			cellEpoch := meta >> 1
			if cellEpoch >= writeEpoch {
				overtaken = true
				break
			}
			wasEnqueued := meta&ringEnqueuedBit != 0
			var prev T
			if wasEnqueued {
				prev = slot.data
			}
			slot.data = *elem
			if slot.meta.CompareAndSwapAcqRel(meta, (writeEpoch<<1)|ringEnqueuedBit) {
				if wasEnqueued && r.dropHandler != nil {
					r.dropHandler(prev)
				}
				return writeEpoch
			}
		}
		if overtaken {
			continue
		}
	}
}

// advanceDequeuePastFull advances dequeue-epoch by the deficit so the
// acquiring enqueue always finds room, with a short capped-exponential
// sleep between failed CAS attempts (spec.md §4.3 step 1, §5).
func (r *Ring[T]) advanceDequeuePastFull(enq uint64) {
	target := enq - r.capacity + 1
	backoff := time.Microsecond
	for {
		cur := r.dequeueEpoch.LoadAcquire()
		if cur >= target {
			return
		}
		if r.dequeueEpoch.CompareAndSwapAcqRel(cur, target) {
			return
		}
		time.Sleep(backoff)
		if backoff < r.backoffCap {
			backoff *= 2
			if backoff > r.backoffCap {
				backoff = r.backoffCap
			}
		}
	}
}

// Dequeue removes and returns the oldest item. Returns ErrNotFound if the
// ring is observably empty.
func (r *Ring[T]) Dequeue() (T, error) {
	var zero T
	deq := r.dequeueEpoch.LoadAcquire()
	enq := r.enqueueEpoch.LoadAcquire()
	if deq >= enq {
		return zero, ErrNotFound
	}

	myPos := r.dequeueEpoch.AddAcqRel(1) - 1
	readEpoch := myPos + 1
	slot := &r.cells[myPos&r.mask]

	sw := spin.Wait{}
	for {
		meta := slot.meta.LoadAcquire()
		cellEpoch := meta >> 1
		if cellEpoch > readEpoch {
			return zero, ErrNotFound
		}
		wasEnqueued := meta&ringEnqueuedBit != 0
		item := slot.data
		if !slot.meta.CompareAndSwapAcqRel(meta, readEpoch<<1) {
			sw.Once()
			continue
		}
		switch {
		case cellEpoch == readEpoch && wasEnqueued:
			return item, nil
		case cellEpoch < readEpoch && wasEnqueued:
			if r.dropHandler != nil {
				r.dropHandler(item)
			}
			return zero, ErrNotFound
		default:
			return zero, ErrNotFound
		}
	}
}

// RingView is a linearizable, enqueue-order snapshot produced by
// [Ring.View]. Release must be called once the caller is done iterating.
type RingView[T any] struct {
	items []T
	pos   int
	obj   *mmm.Object[[]T]
	p     *mmm.Participant
	ring  *Ring[T]
}

// View claims the ring for a one-shot linearizable snapshot: it walks the
// live window [dequeueEpoch, enqueueEpoch), copying each still-enqueued
// item in epoch order into an MMM-owned buffer. The claim is held until
// Release: only one View may be outstanding at a time, and a second
// concurrent call blocks (spin-waits) until the first is Released.
func (r *Ring[T]) View() *RingView[T] {
	sw := spin.Wait{}
	for !r.viewClaimed.CompareAndSwapAcqRel(0, 1) {
		sw.Once()
	}

	p := r.mgr.Join()
	p.BeginLinearizedOp()
	deq := r.dequeueEpoch.LoadAcquire()
	enq := r.enqueueEpoch.LoadAcquire()

	items := make([]T, 0, enq-deq)
	for pos := deq; pos < enq; pos++ {
		slot := &r.cells[pos&r.mask]
		meta := slot.meta.LoadAcquire()
		cellEpoch := meta >> 1
		if meta&ringEnqueuedBit != 0 && cellEpoch == pos+1 {
			items = append(items, slot.data)
		}
	}

	obj := mmm.Alloc[[]T](p, true)
	obj.Value = items
	mmm.Retire(p, obj) // nothing else can reach it; drains once the view releases its reservation

	return &RingView[T]{items: items, pos: -1, obj: obj, p: p, ring: r}
}

// Next advances the cursor. Must be called before the first Item.
func (v *RingView[T]) Next() bool {
	v.pos++
	return v.pos < len(v.items)
}

// Item returns the current cursor item.
func (v *RingView[T]) Item() T { return v.items[v.pos] }

// Release ends the snapshot and unblocks the next View call.
func (v *RingView[T]) Release() {
	if v.p == nil {
		return
	}
	v.p.EndOp()
	v.p.Leave()
	v.p = nil
	v.ring.viewClaimed.StoreRelease(0)
}
