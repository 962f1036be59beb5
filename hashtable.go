// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

import (
	"sort"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/wfree/internal/mmm"
)

// Bucket states for HashTable (spec.md §4.6).
const (
	htEmpty uint64 = iota
	htUsed
	htTombstone
	htMoving
)

// HashTable is a wait-free-read, lock-free-write open-addressed hash
// table keyed by [HashValue] (spec.md §4.6). Each bucket's slot state is
// claimed with a single CAS; the bucket's value lives in a separately
// MMM-managed record so Put/Replace/Remove can swap it out in one CAS
// regardless of V's size, the same encode-a-pointer-into-an-atomic-word
// idiom the teacher uses for MPMCPtr, generalized from a queue slot to a
// hash bucket.
//
// Grounded on mjm918-tur's cowbtree/epoch.go EpochManager for the
// create-epoch/retire lifecycle (re-expressed here on internal/mmm and
// code.hybscloud.com/atomix rather than sync/atomic and sync.Map, per
// SPEC_FULL.md §2), and on the teacher's CAS-claim-a-slot idiom
// (mpmc_compact.go) for bucket reservation.
type HashTable[V any] struct {
	store       atomix.Uint64 // *htStore[V], encoded
	mgr         *mmm.Manager
	hashFn      func(HashValue) uint64
	freeHandler func(V)
	returnHook  func(HashValue, V)
	sortViews   bool
}

type htBucket[V any] struct {
	state atomix.Uint64
	hash  atomix.Uint128 // (lo=key.Lo, hi=key.Hi); CAS'd from (0,0) to claim an empty bucket
	rec   atomix.Uint64  // *mmm.Object[V], encoded; 0 while the slot is being claimed
	_     padShort
}

func (b *htBucket[V]) hashValue() HashValue {
	lo, hi := b.hash.LoadAcquire()
	return HashValue{Hi: hi, Lo: lo}
}

func (b *htBucket[V]) hashEquals(key HashValue) bool {
	lo, hi := b.hash.LoadAcquire()
	return lo == key.Lo && hi == key.Hi
}

type htStore[V any] struct {
	buckets []htBucket[V]
	mask    uint64
	size    uint64
	used    atomix.Uint64
}

func htRecPtr[V any](o *mmm.Object[V]) uint64  { return uint64(uintptr(unsafe.Pointer(o))) }
func htRecFrom[V any](v uint64) *mmm.Object[V] { return (*mmm.Object[V])(unsafe.Pointer(uintptr(v))) }
func htStorePtr[V any](s *htStore[V]) uint64   { return uint64(uintptr(unsafe.Pointer(s))) }
func htStoreFrom[V any](v uint64) *htStore[V]  { return (*htStore[V])(unsafe.Pointer(uintptr(v))) }

func newHtStore[V any](size uint64) *htStore[V] {
	return &htStore[V]{buckets: make([]htBucket[V], size), mask: size - 1, size: size}
}

// NewHashTable creates an empty HashTable with the given initial
// capacity, rounded up to the next power of 2.
func NewHashTable[V any](capacity int) *HashTable[V] {
	if capacity < 2 {
		panic("wfree: capacity must be >= 2")
	}
	h := &HashTable[V]{mgr: mmm.NewManager()}
	h.store.StoreRelease(htStorePtr(newHtStore[V](uint64(roundToPow2(capacity)))))
	return h
}

// SetHashFunction overrides the default key-mixing function used to pick
// a probe start. Not safe to call concurrently with other operations.
func (h *HashTable[V]) SetHashFunction(fn func(HashValue) uint64) { h.hashFn = fn }

// SetFreeHandler installs a callback invoked with a value as soon as its
// record is retired by Remove or by a replacing Put/Replace. It does not
// wait for concurrent readers: a Get or View that loaded the record before
// the retirement may still hold the value.
func (h *HashTable[V]) SetFreeHandler(fn func(V)) { h.freeHandler = fn }

// SetReturnHook installs a callback invoked with (key, value) whenever
// Get or a View returns a live record, for callers that want to track
// reads without wrapping every call site.
func (h *HashTable[V]) SetReturnHook(fn func(HashValue, V)) { h.returnHook = fn }

// SetSortViews controls whether View snapshots are ordered by
// create-epoch (ties broken by HashValue.Less) or left in bucket order.
func (h *HashTable[V]) SetSortViews(sorted bool) { h.sortViews = sorted }

func (h *HashTable[V]) probeStart(st *htStore[V], key HashValue) uint64 {
	if h.hashFn != nil {
		return h.hashFn(key) & st.mask
	}
	mix := key.Hi*0x9E3779B97F4A7C15 ^ key.Lo*0xC2B2AE3D27D4EB4F
	mix ^= mix >> 33
	return mix & st.mask
}

func (h *HashTable[V]) loadStore() *htStore[V] { return htStoreFrom[V](h.store.LoadAcquire()) }

func (h *HashTable[V]) release(v V) {
	if h.freeHandler != nil {
		h.freeHandler(v)
	}
}

// bucketClaim is the outcome of reserving or locating a bucket for a key.
type bucketClaim int

const (
	claimReserved bucketClaim = iota // bucket is now reserved for key; caller installs a record
	claimMatched                     // bucket already holds a live record for key
	claimOccupied                    // bucket holds something else; caller should probe on
	claimMoving                      // a migration is in flight; caller should help and retry
)

// claim reserves b for key with a single atomic CAS on the bucket's hash
// word (spec.md §4.6: "a thread reserves a bucket by CAS-ing the hash
// value into an empty bucket"), so no reader can ever observe a used
// bucket whose hash hasn't been published yet — state only flips to
// htUsed once the hash CAS has already succeeded. A lost CAS means
// another writer just claimed this exact bucket; re-examine it instead of
// advancing the probe, since the winner may have claimed it for the same
// key this caller is looking for.
func (h *HashTable[V]) claim(b *htBucket[V], key HashValue) bucketClaim {
	sw := spin.Wait{}
	for {
		switch b.state.LoadAcquire() {
		case htEmpty:
			if b.hash.CompareAndSwapAcqRel(0, 0, key.Lo, key.Hi) {
				b.state.StoreRelease(htUsed)
				return claimReserved
			}
			sw.Once()
		case htMoving:
			return claimMoving
		case htUsed:
			if b.hashEquals(key) {
				return claimMatched
			}
			return claimOccupied
		default: // htTombstone: not reclaimed, matching a live probe's skip-over
			return claimOccupied
		}
	}
}

// Get returns the value stored under key. Wait-free for a stable store:
// a fixed number of probes bounded by the table size.
func (h *HashTable[V]) Get(key HashValue) (V, bool) {
	var zero V
	st := h.loadStore()
	start := h.probeStart(st, key)
	for i := uint64(0); i < st.size; i++ {
		b := &st.buckets[(start+i)&st.mask]
		switch b.state.LoadAcquire() {
		case htEmpty:
			return zero, false
		case htMoving:
			h.migrate(st)
			return h.Get(key)
		case htUsed:
			rec := b.rec.LoadAcquire()
			if rec != 0 && b.hashEquals(key) {
				v := htRecFrom[V](rec).Value
				if h.returnHook != nil {
					h.returnHook(key, v)
				}
				return v, true
			}
		}
	}
	return zero, false
}

// Add inserts value under key only if key is absent. Returns false
// without modifying the table if key is already present.
func (h *HashTable[V]) Add(key HashValue, value V) bool {
	for {
		st := h.loadStore()
		start := h.probeStart(st, key)
		restart := false
		for i := uint64(0); i < st.size; i++ {
			b := &st.buckets[(start+i)&st.mask]
			switch h.claim(b, key) {
			case claimReserved:
				h.publish(b, value, 0)
				h.afterInsert(st)
				return true
			case claimMatched:
				return false
			case claimMoving:
				h.migrate(st)
				restart = true
			case claimOccupied:
				continue
			}
			break
		}
		if !restart {
			h.migrate(st)
		}
	}
}

// Put inserts or updates the value under key. Returns true if a prior
// value existed and was replaced.
func (h *HashTable[V]) Put(key HashValue, value V) bool {
	for {
		st := h.loadStore()
		start := h.probeStart(st, key)
		restart := false
		for i := uint64(0); i < st.size; i++ {
			b := &st.buckets[(start+i)&st.mask]
			switch h.claim(b, key) {
			case claimReserved:
				h.publish(b, value, 0)
				h.afterInsert(st)
				return false
			case claimMatched:
				old := b.rec.LoadAcquire()
				if h.replaceRecord(b, old, key, value) {
					return true
				}
				restart = true // lost the record-CAS race; reload and reprobe
			case claimMoving:
				h.migrate(st)
				restart = true
			case claimOccupied:
				continue
			}
			break
		}
		if !restart {
			h.migrate(st)
		}
	}
}

// Replace updates the value under key only if key is already present.
// Returns false without modifying the table if key is absent.
func (h *HashTable[V]) Replace(key HashValue, value V) bool {
	sw := spin.Wait{}
	for {
		st := h.loadStore()
		start := h.probeStart(st, key)
		retry := false
		for i := uint64(0); i < st.size && !retry; i++ {
			b := &st.buckets[(start+i)&st.mask]
			switch b.state.LoadAcquire() {
			case htEmpty:
				return false
			case htMoving:
				h.migrate(st)
				retry = true
			case htUsed:
				if b.hashEquals(key) {
					old := b.rec.LoadAcquire()
					if h.replaceRecord(b, old, key, value) {
						return true
					}
					sw.Once()
					retry = true
				}
			}
		}
		if !retry {
			return false
		}
	}
}

// Remove deletes key. Returns false if key was absent.
func (h *HashTable[V]) Remove(key HashValue) bool {
	sw := spin.Wait{}
	for {
		st := h.loadStore()
		start := h.probeStart(st, key)
		retry := false
		for i := uint64(0); i < st.size && !retry; i++ {
			b := &st.buckets[(start+i)&st.mask]
			switch b.state.LoadAcquire() {
			case htEmpty:
				return false
			case htMoving:
				h.migrate(st)
				retry = true
			case htUsed:
				if !b.hashEquals(key) {
					continue
				}
				old := b.rec.LoadAcquire()
				if !b.state.CompareAndSwapAcqRel(htUsed, htTombstone) {
					sw.Once() // lost race with a concurrent writer; retry
					retry = true
					continue
				}
				h.retireRecord(old)
				b.rec.StoreRelease(0) // so a later migrate's rec!=0 check can't resurrect this key
				return true
			}
		}
		if !retry {
			return false
		}
	}
}

// publish allocates and installs the record for a bucket whose hash has
// already been claimed (by claim's CAS, or by insertDuringMigration
// before the store is published). createEpoch, when non-zero, is copied
// onto the new record instead of stamping "now" (spec.md §4.6: Put
// "copies its create-epoch onto the new one" when replacing, so a View
// sorted by insertion order is stable across an update).
func (h *HashTable[V]) publish(b *htBucket[V], value V, createEpoch uint64) {
	p := h.mgr.Join()
	p.BeginBasicOp()
	obj := mmm.Alloc[V](p, true)
	obj.Value = value
	if createEpoch != 0 {
		obj.SetCreateEpoch(createEpoch)
	}
	b.rec.StoreRelease(htRecPtr(obj))
	p.EndOp()
	p.Leave()
}

// replaceRecord swaps a bucket's record for a new one carrying value,
// preserving the prior record's create-epoch, and retires the old record.
// Returns false if a concurrent writer already replaced it (old is
// stale), leaving retry to the caller.
func (h *HashTable[V]) replaceRecord(b *htBucket[V], old uint64, key HashValue, value V) bool {
	prev := htRecFrom[V](old)
	p := h.mgr.Join()
	p.BeginBasicOp()
	obj := mmm.Alloc[V](p, true)
	obj.Value = value
	obj.SetCreateEpoch(prev.CreateEpoch())
	ok := b.rec.CompareAndSwapAcqRel(old, htRecPtr(obj))
	if ok {
		mmm.Retire(p, prev)
		h.release(prev.Value)
	} else {
		mmm.RetireUnused(p, obj)
	}
	p.EndOp()
	p.Leave()
	return ok
}

func (h *HashTable[V]) retireRecord(recPtr uint64) {
	if recPtr == 0 {
		return
	}
	rec := htRecFrom[V](recPtr)
	p := h.mgr.Join()
	p.BeginBasicOp()
	mmm.Retire(p, rec)
	h.release(rec.Value)
	p.EndOp()
	p.Leave()
}

// afterInsert bumps the used-count and migrates once the load factor
// threshold is crossed (spec.md §4.6: "triggered when used-count >
// threshold").
func (h *HashTable[V]) afterInsert(st *htStore[V]) {
	used := st.used.AddAcqRel(1)
	if used*hashLoadFactorDen > st.size*hashLoadFactorNum {
		h.migrate(st)
	}
}

// migrate freezes old (mark pass: every reachable bucket flips to
// htMoving), copies its live records into a fresh, double-size store
// (copy pass), and installs the new store (commit); spec.md §4.6's
// "new-store agreement" sub-phase collapses into the commit CAS here —
// only one goroutine's CompareAndSwap on h.store wins, and every loser's
// freshly-built store is simply discarded unpublished.
func (h *HashTable[V]) migrate(old *htStore[V]) {
	if h.loadStore() != old {
		return
	}

	for i := range old.buckets {
		b := &old.buckets[i]
		for {
			state := b.state.LoadAcquire()
			if state == htMoving {
				break
			}
			if b.state.CompareAndSwapAcqRel(state, htMoving) {
				break
			}
		}
	}

	next := newHtStore[V](old.size * 2)
	var live uint64
	for i := range old.buckets {
		b := &old.buckets[i]
		rec := b.rec.LoadAcquire()
		if rec == 0 {
			continue
		}
		obj := htRecFrom[V](rec)
		if obj.WriteEpoch() == 0 {
			continue // never committed; treat as absent
		}
		h.insertDuringMigration(next, b.hashValue(), rec)
		live++
	}
	next.used.StoreRelaxed(live)

	if h.store.CompareAndSwapAcqRel(htStorePtr(old), htStorePtr(next)) {
		p := h.mgr.Join()
		p.BeginBasicOp()
		obj := mmm.Alloc[*htStore[V]](p, true)
		obj.Value = old
		mmm.Retire(p, obj)
		p.EndOp()
		p.Leave()
	}
}

// insertDuringMigration places an already-allocated record into a
// not-yet-published store. No CAS is needed: next is unreachable from any
// other goroutine until migrate installs it.
func (h *HashTable[V]) insertDuringMigration(next *htStore[V], key HashValue, rec uint64) {
	start := h.probeStart(next, key)
	for i := uint64(0); i < next.size; i++ {
		b := &next.buckets[(start+i)&next.mask]
		if b.state.LoadRelaxed() == htEmpty {
			b.state.StoreRelaxed(htUsed)
			b.hash.StoreRelaxed(key.Lo, key.Hi)
			b.rec.StoreRelaxed(rec)
			return
		}
	}
}

// HashTableView is a linearizable, point-in-time snapshot produced by
// [HashTable.View].
type HashTableView[V any] struct {
	entries []htViewEntry[V]
	pos     int
	obj     *mmm.Object[[]htViewEntry[V]]
	p       *mmm.Participant
}

type htViewEntry[V any] struct {
	key   HashValue
	value V
}

// View walks the current store under a fresh linearization epoch, copying
// every live (key, value) pair. If SetSortViews(true) was called, entries
// are ordered by create-epoch (ties broken by HashValue.Less); otherwise
// they are in bucket order.
func (h *HashTable[V]) View() *HashTableView[V] {
	p := h.mgr.Join()
	p.BeginLinearizedOp()

	st := h.loadStore()
	type withEpoch struct {
		entry htViewEntry[V]
		epoch uint64
	}
	collected := make([]withEpoch, 0, st.size)
	for i := range st.buckets {
		b := &st.buckets[i]
		if b.state.LoadAcquire() != htUsed {
			continue
		}
		rec := b.rec.LoadAcquire()
		if rec == 0 {
			continue
		}
		obj := htRecFrom[V](rec)
		if obj.WriteEpoch() == 0 {
			continue
		}
		collected = append(collected, withEpoch{
			entry: htViewEntry[V]{key: b.hashValue(), value: obj.Value},
			epoch: obj.CreateEpoch(),
		})
		if h.returnHook != nil {
			h.returnHook(b.hashValue(), obj.Value)
		}
	}

	if h.sortViews {
		sort.Slice(collected, func(i, j int) bool {
			if collected[i].epoch != collected[j].epoch {
				return collected[i].epoch < collected[j].epoch
			}
			return collected[i].entry.key.Less(collected[j].entry.key)
		})
	}

	entries := make([]htViewEntry[V], len(collected))
	for i, c := range collected {
		entries[i] = c.entry
	}

	obj := mmm.Alloc[[]htViewEntry[V]](p, true)
	obj.Value = entries
	mmm.Retire(p, obj)

	return &HashTableView[V]{entries: entries, pos: -1, obj: obj, p: p}
}

// Next advances the cursor. Must be called before the first Item/Key.
func (v *HashTableView[V]) Next() bool {
	v.pos++
	return v.pos < len(v.entries)
}

// Item returns the current cursor value.
func (v *HashTableView[V]) Item() V { return v.entries[v.pos].value }

// Key returns the current cursor key.
func (v *HashTableView[V]) Key() HashValue { return v.entries[v.pos].key }

// Release ends the snapshot.
func (v *HashTableView[V]) Release() {
	if v.p == nil {
		return
	}
	v.p.EndOp()
	v.p.Leave()
	v.p = nil
}
