// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

import (
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/wfree/internal/mmm"
)

// CAPQ states, packed into the low 3 bits of a cell's meta word; the
// remaining 61 bits carry the cell's epoch (spec.md §4.4).
const (
	capqEmpty uint64 = iota
	capqEnqueued
	capqDequeued
	capqTooSlow
	capqMoving
	capqMoved
)

const capqStateMask = uint64(0x7)
const capqStateBits = 3

// CAPQ is a compare-and-pop queue (spec.md §4.4): wait-free Enqueue, and a
// wait-free pair — Top (peek the head and its linearization epoch) and Cap
// (remove the head only if it is still linearized at that epoch) — that
// lets other wait-free algorithms "help" without a full CAS-retry loop.
// Dequeue is the lock-free Top+Cap wrapper spec.md describes.
//
// Grounded on the teacher's 128-bit packed-cell pattern (mpmc_128.go,
// "Entry format: [lo=cycle | hi=value]"): a CAPQ cell packs state and
// epoch into one atomix.Uint64 exactly the way mpmc128Slot packs cycle and
// value into one atomix.Uint128, generalized from a fixed 2-state (empty/
// full) SCQ slot to CAPQ's six-state cell. The flag-bit encoding for
// moving/moved mirrors the low-bit round flag in mpmc_compact.go's
// MPMCCompactIndirect.
type CAPQ[T any] struct {
	store atomix.Uint64 // *capqStore[T], encoded
	mgr   *mmm.Manager
}

type capqCell[T any] struct {
	meta atomix.Uint64
	data T
	_    padShort
}

type capqStore[T any] struct {
	base         uint64 // lowest epoch this store may ever issue
	cells        []capqCell[T]
	mask         uint64
	size         uint64
	_            pad
	enqueueIndex atomix.Uint64
	_            pad
	dequeueIndex atomix.Uint64
	_            pad
	migrating    atomix.Uint64 // CAS'd 0->1 to elect a single migration leader
}

func capqPtr[T any](s *capqStore[T]) uint64  { return uint64(uintptr(unsafe.Pointer(s))) }
func capqFrom[T any](v uint64) *capqStore[T] { return (*capqStore[T])(unsafe.Pointer(uintptr(v))) }

func newCapqStore[T any](base, size uint64) *capqStore[T] {
	return &capqStore[T]{base: base, cells: make([]capqCell[T], size), mask: size - 1, size: size}
}

// NewCAPQ creates an empty CAPQ with the given initial capacity, rounded
// up to the next power of 2.
func NewCAPQ[T any](capacity int) *CAPQ[T] {
	if capacity < 2 {
		panic("wfree: capacity must be >= 2")
	}
	q := &CAPQ[T]{mgr: mmm.NewManager()}
	q.store.StoreRelease(capqPtr(newCapqStore[T](0, uint64(roundToPow2(capacity)))))
	return q
}

func (q *CAPQ[T]) loadStore() *capqStore[T] { return capqFrom[T](q.store.LoadAcquire()) }

// Enqueue adds elem and returns the epoch it was linearized at.
// Wait-free; never fails.
func (q *CAPQ[T]) Enqueue(elem *T) uint64 {
	step := uint64(1)
	for {
		st := q.loadStore()
		ix := st.enqueueIndex.AddAcqRel(step) - step
		if ix >= st.size {
			q.migrate(st)
			step = 1
			continue
		}

		slot := &st.cells[ix&st.mask]
		meta := slot.meta.LoadAcquire()
		if meta&capqStateMask == capqMoving {
			q.migrate(st)
			step = 1
			continue
		}

		ourEpoch := st.base + ix + 1
		priorEpoch := meta >> capqStateBits
		if priorEpoch < ourEpoch {
			slot.data = *elem
			if slot.meta.CompareAndSwapAcqRel(meta, (ourEpoch<<capqStateBits)|capqEnqueued) {
				return ourEpoch
			}
		}
		step *= 2
	}
}

// Top returns the current head item and its epoch without removing it.
// Returns ErrNotFound if the queue is observably empty.
func (q *CAPQ[T]) Top() (T, uint64, error) {
	var zero T
	lagRetries := 0
	for {
		st := q.loadStore()
		cur := st.dequeueIndex.LoadAcquire()
		end := st.enqueueIndex.LoadAcquire()
		if cur >= end {
			return zero, 0, ErrNotFound
		}

		slot := &st.cells[cur&st.mask]
		meta := slot.meta.LoadAcquire()
		cellEpoch := meta >> capqStateBits
		state := meta & capqStateMask
		readEpoch := st.base + cur + 1

		switch {
		case cellEpoch == readEpoch && state == capqEnqueued:
			return slot.data, cellEpoch, nil

		case cellEpoch == readEpoch && state == capqDequeued:
			item := slot.data
			st.dequeueIndex.CompareAndSwapAcqRel(cur, cur+1)
			return item, cellEpoch, nil

		case cellEpoch < readEpoch:
			slot.meta.CompareAndSwapAcqRel(meta, (readEpoch<<capqStateBits)|capqTooSlow)
			st.dequeueIndex.CompareAndSwapAcqRel(cur, cur+1)
			continue

		default: // cellEpoch > readEpoch: this goroutine is lagging
			lagRetries++
			if lagRetries >= capqHelpThreshold {
				q.migrate(st)
				lagRetries = 0
			}
		}
	}
}

// Cap removes the head item only if it is still linearized at epoch.
// Returns true if the removal happened. Wait-free.
func (q *CAPQ[T]) Cap(epoch uint64) bool {
	for {
		st := q.loadStore()
		cur := st.dequeueIndex.LoadAcquire()
		if cur >= st.enqueueIndex.LoadAcquire() {
			return false
		}

		slot := &st.cells[cur&st.mask]
		meta := slot.meta.LoadAcquire()
		state := meta & capqStateMask

		if state == capqMoving {
			q.migrate(st)
			continue
		}
		cellEpoch := meta >> capqStateBits
		if cellEpoch != epoch || state != capqEnqueued {
			return false
		}
		if slot.meta.CompareAndSwapAcqRel(meta, (epoch<<capqStateBits)|capqDequeued) {
			st.dequeueIndex.CompareAndSwapAcqRel(cur, cur+1)
			return true
		}
		return false
	}
}

// Dequeue is the lock-free Top+Cap retry wrapper (spec.md §4.4). Returns
// ErrNotFound if the queue is observably empty.
func (q *CAPQ[T]) Dequeue() (T, error) {
	for {
		item, e, err := q.Top()
		if err != nil {
			return item, err
		}
		if q.Cap(e) {
			return item, nil
		}
	}
}

// Capacity returns the current backing store's size. It may grow across
// migrations, so two calls are not guaranteed to agree.
func (q *CAPQ[T]) Capacity() int { return int(q.loadStore().size) }

// migrate doubles the backing store: flag every cell moving, copy
// enqueued items in index order into a compact prefix of a new,
// double-size store stamped with epochs strictly greater than any the old
// store could have issued, install it, and retire the old store via MMM.
// Cooperative: any goroutine observing a moving flag or the capacity
// boundary calls this, but only the one that wins old.migrating's 0->1
// CAS actually scans cells and builds the replacement — every other
// caller would otherwise build its own private live list from whatever
// cells it personally won the per-cell moving-CAS on, and two such lists
// are never the same set; only a single leader can scan every cell
// exactly once. Losers spin-wait for the leader's install instead
// (mirrors stack.go's single-CAS leader election on its head word, here
// expressed as a dedicated flag since CAPQ has no single packed word to
// steal a bit from).
func (q *CAPQ[T]) migrate(old *capqStore[T]) {
	if q.loadStore() != old {
		return // someone already migrated
	}
	if !old.migrating.CompareAndSwapAcqRel(0, 1) {
		sw := spin.Wait{}
		for q.loadStore() == old {
			sw.Once()
		}
		return
	}

	type liveItem struct {
		data T
	}
	live := make([]liveItem, 0, old.size)
	for i := range old.cells {
		for {
			meta := old.cells[i].meta.LoadAcquire()
			state := meta & capqStateMask
			if state == capqMoving || state == capqMoved {
				break
			}
			if old.cells[i].meta.CompareAndSwapAcqRel(meta, (meta&^capqStateMask)|capqMoving) {
				if state == capqEnqueued {
					live = append(live, liveItem{data: old.cells[i].data})
				}
				break
			}
		}
	}

	newBase := old.base + old.size
	next := newCapqStore[T](newBase, old.size*2)
	for j, it := range live {
		next.cells[j].data = it.data
		next.cells[j].meta.StoreRelaxed(((newBase + uint64(j) + 1) << capqStateBits) | capqEnqueued)
	}
	next.enqueueIndex.StoreRelaxed(uint64(len(live)))
	next.dequeueIndex.StoreRelaxed(0)

	if q.store.CompareAndSwapAcqRel(capqPtr(old), capqPtr(next)) {
		p := q.mgr.Join()
		p.BeginBasicOp()
		obj := mmm.Alloc[*capqStore[T]](p, true)
		obj.Value = old
		mmm.Retire(p, obj)
		p.EndOp()
		p.Leave()
	}
}
