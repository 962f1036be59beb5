// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

import (
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/wfree/internal/mmm"
)

// Cell states shared by SegQueue's segments. Ring and Stack have their own
// state encodings (spec.md §3 describes them as a single conceptual family;
// each structure only uses the subset its algorithm needs).
const (
	cellEmpty uint64 = iota
	cellUsed
	cellTooSlow
)

// SegQueue is a linearizable, unbounded, wait-free FIFO (spec.md §4.2):
// wait-free Enqueue and wait-free Dequeue, growing via linked fixed-size
// segments so it never reports full.
//
// Grounded on the teacher's FAA-claim-then-CAS-publish pattern (mpsc.go,
// spmc.go): a segment's enqueue-index/dequeue-index are exactly
// mpsc.go's tail/head, generalized from a fixed ring to a growable chain
// of segments, with the teacher's CAS-retry-with-backoff loop replaced by
// the spec's doubling-step escape (the mechanism that makes Enqueue
// wait-free rather than merely lock-free: a thread that keeps losing the
// slot-CAS doubles its stride until it outruns any bounded number of
// contenders).
type SegQueue[T any] struct {
	_       pad
	enqSeg  atomix.Uint64 // *segment[T], encoded
	_       pad
	deqSeg  atomix.Uint64 // *segment[T], encoded
	_       pad
	segSize uint64
	mgr     *mmm.Manager
}

type segment[T any] struct {
	cells        []queueCell[T]
	_            pad
	enqueueIndex atomix.Uint64
	_            pad
	dequeueIndex atomix.Uint64
	_            pad
	next         atomix.Uint64 // *segment[T], encoded; 0 == nil
	size         uint64
}

type queueCell[T any] struct {
	state atomix.Uint64
	item  T
	_     padShort
}

func segPtr[T any](s *segment[T]) uint64  { return uint64(uintptr(unsafe.Pointer(s))) }
func segFrom[T any](v uint64) *segment[T] { return (*segment[T])(unsafe.Pointer(uintptr(v))) }

func newSegment[T any](size uint64) *segment[T] {
	return &segment[T]{cells: make([]queueCell[T], size), size: size}
}

// NewSegQueue creates an empty wait-free segmented FIFO whose segments
// hold defaultSegmentSize cells (doubled for a segment requested past
// segmentHelpThreshold failed attempts).
func NewSegQueue[T any]() *SegQueue[T] {
	first := newSegment[T](defaultSegmentSize)
	q := &SegQueue[T]{segSize: defaultSegmentSize, mgr: mmm.NewManager()}
	ptr := segPtr(first)
	q.enqSeg.StoreRelease(ptr)
	q.deqSeg.StoreRelease(ptr)
	return q
}

// Enqueue adds elem to the queue. Wait-free: never blocks and never
// reports failure.
func (q *SegQueue[T]) Enqueue(elem *T) {
	step := uint64(1)
	attempts := 0
	for {
		seg := segFrom[T](q.enqSeg.LoadAcquire())
		ix := seg.enqueueIndex.AddAcqRel(step) - step

		if ix >= seg.size {
			q.growPast(seg, attempts)
			step = 1
			attempts = 0
			continue
		}

		cell := &seg.cells[ix]
		// FAA gives every enqueuer a distinct index, so the only
		// contender for this cell's CAS is a dequeuer racing to mark it
		// too-slow; writing item before the CAS is therefore safe, and
		// the CAS's release ordering is what publishes it.
		cell.item = *elem
		if cell.state.CompareAndSwapAcqRel(cellEmpty, cellUsed) {
			return
		}

		attempts++
		step *= 2
	}
}

// growPast installs a new segment once ix has outrun the current
// segment's capacity. attempts tracks how many times this goroutine has
// already been forced to retry its slot CAS, which decides whether it
// requests a doubled-size segment (spec.md §4.2: "help-threshold").
func (q *SegQueue[T]) growPast(seg *segment[T], attempts int) {
	if segFrom[T](seg.next.LoadAcquire()) != nil {
		q.enqSeg.CompareAndSwapAcqRel(segPtr(seg), seg.next.LoadAcquire())
		return
	}

	size := q.segSize
	if attempts >= segmentHelpThreshold {
		size *= 2
	}
	candidate := newSegment[T](size)

	if seg.next.CompareAndSwapAcqRel(0, segPtr(candidate)) {
		q.enqSeg.CompareAndSwapAcqRel(segPtr(seg), segPtr(candidate))
		return
	}
	// Lost the race to install a segment: candidate is simply dropped
	// and collected by the GC (spec.md's "losers free their candidate").
	q.enqSeg.CompareAndSwapAcqRel(segPtr(seg), seg.next.LoadAcquire())
}

// Dequeue removes and returns the oldest item. Wait-free. Returns
// ErrNotFound if the queue is observably empty.
func (q *SegQueue[T]) Dequeue() (T, error) {
	var zero T
	for {
		deqSeg := segFrom[T](q.deqSeg.LoadAcquire())
		enqSeg := segFrom[T](q.enqSeg.LoadAcquire())

		if deqSeg != enqSeg {
			ix := deqSeg.dequeueIndex.AddAcqRel(1) - 1
			if ix >= deqSeg.size {
				q.advancePastSegment(deqSeg)
				continue
			}
			cell := &deqSeg.cells[ix]
			// This segment can no longer race a concurrent enqueue
			// (spec.md §4.2): the segment is not the enqueue segment
			// any more, so every cell in it was either already used or
			// will never be.
			if cell.state.LoadAcquire() == cellUsed {
				return cell.item, nil
			}
			continue
		}

		if deqSeg.dequeueIndex.LoadAcquire() >= deqSeg.enqueueIndex.LoadAcquire() {
			return zero, ErrNotFound
		}
		ix := deqSeg.dequeueIndex.AddAcqRel(1) - 1
		if ix >= deqSeg.enqueueIndex.LoadAcquire() {
			// Another dequeuer took the last claimed slot between the check
			// and the add. Mark ix too-slow so the enqueuer that later claims
			// it retries at a later index instead of publishing into a slot
			// no dequeuer will visit; if it already published, return it.
			if ix < deqSeg.size && !deqSeg.cells[ix].state.CompareAndSwapAcqRel(cellEmpty, cellTooSlow) {
				return deqSeg.cells[ix].item, nil
			}
			return zero, ErrNotFound
		}

		cell := &deqSeg.cells[ix]
		if cell.state.CompareAndSwapAcqRel(cellEmpty, cellTooSlow) {
			// Invalidated a pending enqueuer; its Enqueue call will see
			// the CAS in Enqueue fail and retry on the same segment at
			// a later index.
			continue
		}
		// The enqueuer won the race; its item is now visible.
		return cell.item, nil
	}
}

// advancePastSegment swings the top-level dequeue-segment pointer to the
// next segment and retires the exhausted one via MMM.
func (q *SegQueue[T]) advancePastSegment(seg *segment[T]) {
	next := segFrom[T](seg.next.LoadAcquire())
	if next == nil {
		return
	}
	if q.deqSeg.CompareAndSwapAcqRel(segPtr(seg), segPtr(next)) {
		p := q.mgr.Join()
		p.BeginBasicOp()
		obj := mmm.Alloc[*segment[T]](p, true)
		obj.Value = seg
		mmm.Retire(p, obj)
		p.EndOp()
		p.Leave()
	}
}
