// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mmm is a memory-management manager: an epoch-based safe memory
// reclamation (SMR) substrate shared by every structure in the parent
// wfree package. It lets readers dereference shared objects without locks
// while other goroutines retire them, and guarantees no cleanup handler
// runs while any participant's reservation could still observe the object.
package mmm

import (
	"code.hybscloud.com/atomix"
)

// MaxParticipants bounds the number of goroutines that may simultaneously
// hold a registration. This mirrors the "platform-wide monotonic,
// thread-specific identifier with a compile-time upper bound" the core
// assumes (spec §5); allocation failure past this bound is fatal, matching
// every other allocator failure in this library.
const MaxParticipants = 4096

// inactive marks a participant slot as not currently inside an operation.
const inactive = ^uint64(0)

// uncommitted marks a header's write-epoch as not yet published.
const uncommitted = ^uint64(0)

// drainBudget bounds how many retired objects a single EndOp/Retire call
// will examine, so reclamation stays amortized rather than becoming an
// unbounded pause.
const drainBudget = 64

// Manager owns the global epoch and the fixed participant table.
type Manager struct {
	_      pad
	epoch  atomix.Uint64
	_      pad
	slots  [MaxParticipants]slot
	claims [MaxParticipants]atomix.Uint64 // 0 = free, 1 = claimed
}

type slot struct {
	_          pad
	reservation atomix.Uint64
	_          pad
}

type pad [64]byte

// NewManager creates an MMM instance with the epoch starting at 1 (0 is
// reserved so a freshly-allocated, never-committed header is visibly
// distinct from one created at the first real epoch).
func NewManager() *Manager {
	m := &Manager{}
	m.epoch.StoreRelaxed(1)
	for i := range m.slots {
		m.slots[i].reservation.StoreRelaxed(inactive)
	}
	return m
}

// Header is the per-object bookkeeping MMM prepends to every allocation:
// (create-epoch, write-epoch, retirement-epoch) plus a cleanup handler.
// It carries no data itself; Alloc embeds it in an [Object] next to the
// caller's payload.
type Header struct {
	createEpoch atomix.Uint64
	writeEpoch  atomix.Uint64
	retireEpoch uint64 // only ever read/written by the retiring participant
	cleanup     func()
}

// CreateEpoch returns the epoch at which this object was allocated.
func (h *Header) CreateEpoch() uint64 { return h.createEpoch.LoadAcquire() }

// WriteEpoch returns the committed write-epoch, or 0 if still uncommitted.
func (h *Header) WriteEpoch() uint64 {
	w := h.writeEpoch.LoadAcquire()
	if w == uncommitted {
		return 0
	}
	return w
}

// SetCreateEpoch lets a caller re-stamp create-epoch when it copies the
// prior head's insertion time onto a replacement record (spec §4.6 put:
// "copy its create-epoch onto the new one").
func (h *Header) SetCreateEpoch(e uint64) { h.createEpoch.StoreRelease(e) }

// Participant is a scoped registration handle: a goroutine Joins once (or
// for the lifetime of a long-running worker), then calls BeginBasicOp /
// BeginLinearizedOp / EndOp around each operation it performs on any MMM-
// protected structure.
type Participant struct {
	mgr     *Manager
	idx     int
	retired []retiredEntry
}

type retiredEntry struct {
	epoch  uint64
	header *Header
}

// Join claims a free participant slot. Panics if MaxParticipants scoped
// registrations are already held, matching the core's "allocation failure
// terminates the process" model (spec §4.1, §4.7).
func (m *Manager) Join() *Participant {
	for i := range m.claims {
		if m.claims[i].CompareAndSwapAcqRel(0, 1) {
			m.slots[i].reservation.StoreRelease(inactive)
			return &Participant{mgr: m, idx: i}
		}
	}
	panic("mmm: no free participant slot")
}

// Leave releases the participant's slot. Its whole retirement list is
// drained one final time against the reservations of every other live
// participant. Objects still not safe to free at that point are not handed
// to any other participant: they are dropped with this Participant, their
// cleanup handlers never run, and the GC reclaims them once unreferenced.
func (p *Participant) Leave() {
	p.mgr.slots[p.idx].reservation.StoreRelease(inactive)
	p.drain(len(p.retired))
	p.mgr.claims[p.idx].StoreRelease(0)
}

// BeginBasicOp publishes the current global epoch into this participant's
// reservation slot. Use for operations whose linearization point does not
// need a fresh epoch (most writes and non-view reads).
func (p *Participant) BeginBasicOp() {
	p.mgr.slots[p.idx].reservation.StoreRelease(p.mgr.epoch.LoadAcquire())
}

// BeginLinearizedOp atomically advances the global epoch and publishes the
// new value, returning it. Use for an operation (a View snapshot) whose
// linearization point must be a fresh epoch not shared with any writer
// that has not yet committed at it.
func (p *Participant) BeginLinearizedOp() uint64 {
	e := p.mgr.epoch.AddAcqRel(1)
	p.mgr.slots[p.idx].reservation.StoreRelease(e)
	return e
}

// EndOp clears the reservation and drains a bounded number of this
// participant's retired objects.
func (p *Participant) EndOp() {
	p.mgr.slots[p.idx].reservation.StoreRelease(inactive)
	p.drain(drainBudget)
}

// Alloc allocates a new header-tagged object. committed == true stamps
// write-epoch == create-epoch immediately ("committed" variant of
// spec §4.1's alloc); committed == false leaves write-epoch unset so a
// later CommitWrite or HelpCommit fills it in.
func Alloc[T any](p *Participant, committed bool) *Object[T] {
	e := p.mgr.epoch.LoadAcquire()
	obj := &Object[T]{}
	obj.createEpoch.StoreRelaxed(e)
	if committed {
		obj.writeEpoch.StoreRelaxed(e)
	} else {
		obj.writeEpoch.StoreRelaxed(uncommitted)
	}
	return obj
}

// Object wraps a caller payload with its MMM header. Embed-by-wrapping
// rather than caller-embeds-Header so Alloc can initialize both epochs in
// one step.
type Object[T any] struct {
	Header
	Value T
}

// CommitWrite publishes write-epoch = current global epoch, unless a
// write-epoch is already set (idempotent: the first committer wins).
func CommitWrite(h *Header, mgr *Manager) {
	h.writeEpoch.CompareAndSwapAcqRel(uncommitted, mgr.epoch.LoadAcquire())
}

// HelpCommit fills in write-epoch if some other participant left it
// uncommitted; idempotent for the same reason as CommitWrite.
func HelpCommit(h *Header, mgr *Manager) {
	CommitWrite(h, mgr)
}

// AddCleanupHandler registers fn to run immediately before the allocator
// would otherwise drop its last reference to obj. aux is passed through by
// the caller's closure, matching spec's add-cleanup-handler(obj, fn, aux).
func AddCleanupHandler[T any](obj *Object[T], fn func(obj *Object[T], aux any), aux any) {
	obj.cleanup = func() { fn(obj, aux) }
}

// Retire records obj's retirement epoch, appends it to this participant's
// retirement list, and drains a bounded number of retired objects.
func Retire[T any](p *Participant, obj *Object[T]) {
	obj.retireEpoch = p.mgr.epoch.LoadAcquire()
	p.retired = append(p.retired, retiredEntry{epoch: obj.retireEpoch, header: &obj.Header})
	p.drain(drainBudget)
}

// RetireUnused retires an object that was allocated but never published to
// any shared structure. Semantics are identical to Retire; the name exists
// because the caller's reasoning about safety is cheaper (no other
// participant could hold a reference yet).
func RetireUnused[T any](p *Participant, obj *Object[T]) {
	Retire(p, obj)
}

// drain reclaims up to budget of this participant's retired objects whose
// retirement epoch is older than every participant's live reservation.
func (p *Participant) drain(budget int) {
	if len(p.retired) == 0 {
		return
	}
	minRes := p.mgr.minReservation()
	kept := p.retired[:0]
	examined := 0
	for _, e := range p.retired {
		if examined >= budget {
			kept = append(kept, e)
			continue
		}
		examined++
		if minRes > e.epoch {
			if e.header.cleanup != nil {
				e.header.cleanup()
			}
			continue // drop the reference; GC reclaims the memory
		}
		kept = append(kept, e)
	}
	p.retired = kept
}

// minReservation scans every claimed slot and returns the minimum live
// reservation, or inactive (greater than any epoch) if no participant is
// active, so that every retired object is then reclaimable.
func (m *Manager) minReservation() uint64 {
	min := inactive
	for i := range m.slots {
		if m.claims[i].LoadAcquire() == 0 {
			continue
		}
		r := m.slots[i].reservation.LoadAcquire()
		if r != inactive && r < min {
			min = r
		}
	}
	return min
}

// CurrentEpoch returns the manager's current global epoch, for callers
// that need to stamp a value with "now" outside of a Begin/End pair (e.g.
// a caller that wants to compare against a previously-returned epoch
// without holding a reservation open).
func (m *Manager) CurrentEpoch() uint64 {
	return m.epoch.LoadAcquire()
}
