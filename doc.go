// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wfree provides non-blocking concurrent data structures built on
// a shared epoch-based memory-management substrate ([code.hybscloud.com/
// wfree/internal/mmm]):
//
//   - SegQueue: unbounded, wait-free FIFO
//   - Ring: bounded, wait-free MPMC ring buffer with overwrite-on-full
//   - CAPQ: compare-and-pop queue exposing a linearization epoch per item
//   - Stack: bounded, lock-free, array-backed LIFO
//   - HashTable: lock-free-write hash table keyed by [HashValue]
//
// # Quick Start
//
//	q := wfree.NewSegQueue[Event]()
//	r := wfree.NewRing[Event](1024)
//	cq := wfree.NewCAPQ[Job](1024)
//	s := wfree.NewStack[Frame](256)
//	ht := wfree.NewHashTable[Session](1024)
//
// # Basic Usage
//
// Every FIFO/LIFO/CAPQ structure shares the same Enqueue-or-Push /
// Dequeue-or-Pop shape; no Enqueue or Push can fail:
//
//	// SegQueue never reports full; Enqueue has no error return.
//	q := wfree.NewSegQueue[int]()
//	v := 42
//	q.Enqueue(&v)
//	item, err := q.Dequeue()
//	if wfree.IsNotFound(err) {
//	    // Observably empty right now — try again later.
//	}
//
//	// Ring overwrites the oldest item instead of blocking when full.
//	r := wfree.NewRing[int](1024, wfree.WithDropHandler(func(dropped any) {
//	    log.Printf("ring dropped %v", dropped)
//	}))
//	r.Enqueue(&v)
//
// # Common Patterns
//
// Unbounded pipeline stage (SegQueue):
//
//	q := wfree.NewSegQueue[Data]()
//
//	go func() { // Producer
//	    for data := range input {
//	        q.Enqueue(&data)
//	    }
//	}()
//
//	go func() { // Consumer
//	    backoff := iox.Backoff{}
//	    for {
//	        data, err := q.Dequeue()
//	        if err != nil {
//	            backoff.Wait()
//	            continue
//	        }
//	        backoff.Reset()
//	        process(data)
//	    }
//	}()
//
// Latest-N telemetry buffer (Ring), periodically snapshotted:
//
//	r := wfree.NewRing[Sample](4096)
//	go func() {
//	    for s := range samples {
//	        r.Enqueue(&s)
//	    }
//	}()
//
//	view := r.View()
//	for view.Next() {
//	    consume(view.Item())
//	}
//	view.Release()
//
// Helping another wait-free algorithm compare-and-pop its head (CAPQ):
//
//	cq := wfree.NewCAPQ[Job](1024)
//	item, epoch, err := cq.Top()
//	if err == nil && shouldClaim(item) {
//	    if cq.Cap(epoch) {
//	        run(item) // this goroutine won the claim
//	    }
//	}
//
// Bounded object pool freelist (Stack):
//
//	free := wfree.NewStack[*Buffer](256)
//	buf, err := free.Pop()
//	if wfree.IsNotFound(err) {
//	    buf = allocateBuffer()
//	}
//	// ... use buf ...
//	free.Push(&buf)
//
// Session table keyed by a 128-bit hash (HashTable):
//
//	ht := wfree.NewHashTable[*Session](1024)
//	ht.Add(hashOf(id), session)
//	if s, ok := ht.Get(hashOf(id)); ok {
//	    s.Touch()
//	}
//	ht.Remove(hashOf(id))
//
// # Error Handling
//
// [ErrWouldBlock] is sourced from [code.hybscloud.com/iox] for ecosystem
// consistency, and [ErrNotFound] is this package's own sentinel for "the
// structure is observably empty right now." Use the classifier helpers
// rather than comparing errors directly:
//
//	wfree.IsNotFound(err)   // true if the structure was observably empty
//	wfree.IsWouldBlock(err) // true if a bounded write couldn't proceed
//	wfree.IsSemantic(err)   // true if either of the above is a control-flow signal, not a failure
//	wfree.IsNonFailure(err) // true if nil or either of the above
//
// Ring and HashTable never return ErrWouldBlock on the write path — Ring
// overwrites, and HashTable migrates — so ErrWouldBlock only appears from
// Dequeue/Pop/Top-side blocking reads that some caller chooses to layer on
// top with [code.hybscloud.com/iox.Backoff].
//
// # Capacity
//
// Bounded structures (Ring, CAPQ, Stack, HashTable) round capacity up to
// the next power of 2 and panic if capacity < 2:
//
//	wfree.NewRing[int](3)    // actual capacity: 4
//	wfree.NewRing[int](1000) // actual capacity: 1024
//
// CAPQ, Stack, and HashTable additionally grow by doubling (a migration)
// rather than ever reporting full; Ring stays at its constructed capacity
// and overwrites instead. SegQueue has no capacity at all — it grows by
// linking new segments.
//
// Length is intentionally not provided on any structure: an accurate
// count in a non-blocking algorithm requires cross-core synchronization
// that would undermine the progress guarantee. Track counts in
// application logic when needed.
//
// # Thread Safety
//
// Every exported structure is safe for any number of concurrent producer
// and consumer goroutines — there is no SPSC/MPSC restriction as in a
// bounded-queue library, since every algorithm here is already
// multi-party by construction.
//
// # Progress Guarantees
//
// SegQueue.Enqueue/Dequeue, Ring.Enqueue/Dequeue, and CAPQ.Enqueue/Top/Cap
// are wait-free: every call completes in a bounded number of steps
// regardless of other goroutines' scheduling. Stack and HashTable's write
// paths are lock-free: some goroutine always makes progress, but a
// specific caller can in principle retry indefinitely under adversarial
// scheduling (see the Open Questions in DESIGN.md for why this library
// does not provide a wait-free Stack).
//
// # Race Detection
//
// Go's race detector tracks explicit synchronization primitives (mutex,
// channels, WaitGroup) but cannot observe happens-before relationships
// established purely through atomic acquire-release orderings. Every
// structure in this package protects non-atomic fields (an item, a
// record's value) with an acquire-release-ordered state word, which the
// race detector cannot see as synchronization — it may report false
// positives on concurrent stress tests. [RaceEnabled] lets tests built
// with -race skip the scenarios known to trigger this.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit memory
// ordering, and [code.hybscloud.com/spin] for CPU pause instructions
// during spinning waits (Ring View claims and Dequeue retries, CAPQ
// migration waits, Stack and HashTable CAS retries). Ring's full-backoff
// sleeps with [time.Sleep] instead.
package wfree
