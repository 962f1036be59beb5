// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/wfree"
)

func TestRingBasicFIFO(t *testing.T) {
	r := wfree.NewRing[int](3)
	if r.Cap() != 4 {
		t.Fatalf("Cap: got %d, want 4", r.Cap())
	}

	if _, err := r.Dequeue(); !wfree.IsNotFound(err) {
		t.Fatalf("Dequeue on empty: got %v, want ErrNotFound", err)
	}

	for i := range 4 {
		v := i
		r.Enqueue(&v)
	}
	for i := range 4 {
		v, err := r.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if v != i {
			t.Fatalf("Dequeue(%d): got %d, want %d", i, v, i)
		}
	}
}

// TestRingOverwriteOnFull verifies that enqueueing past capacity
// overwrites the oldest item and reports it to the drop handler rather
// than blocking (spec.md §4.3).
func TestRingOverwriteOnFull(t *testing.T) {
	var dropped []int
	var mu sync.Mutex
	r := wfree.NewRing[int](4, wfree.WithDropHandler(func(v any) {
		mu.Lock()
		dropped = append(dropped, v.(int))
		mu.Unlock()
	}))

	for i := range 6 {
		v := i
		r.Enqueue(&v)
	}

	mu.Lock()
	gotDropped := append([]int(nil), dropped...)
	mu.Unlock()
	if len(gotDropped) != 2 || gotDropped[0] != 0 || gotDropped[1] != 1 {
		t.Fatalf("dropped: got %v, want [0 1]", gotDropped)
	}

	for i := 2; i < 6; i++ {
		v, err := r.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if v != i {
			t.Fatalf("Dequeue: got %d, want %d", v, i)
		}
	}
}

// TestRingViewSnapshot checks that a View sees exactly the live window at
// the moment it was taken and that Release unblocks the next View.
func TestRingViewSnapshot(t *testing.T) {
	r := wfree.NewRing[int](8)
	for i := range 5 {
		v := i
		r.Enqueue(&v)
	}

	view := r.View()
	var got []int
	for view.Next() {
		got = append(got, view.Item())
	}
	view.Release()

	if len(got) != 5 {
		t.Fatalf("view length: got %d, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("view[%d]: got %d, want %d", i, v, i)
		}
	}

	// A second View after Release must not deadlock.
	view2 := r.View()
	view2.Release()
}

// TestRingConcurrentEnqueueDequeue exercises the ring under concurrent
// producers and consumers without asserting exact contents, only that no
// goroutine blocks and Dequeue never returns a value that was never
// enqueued.
func TestRingConcurrentEnqueueDequeue(t *testing.T) {
	if wfree.RaceEnabled {
		t.Skip("skip: wait-free algorithm uses cross-variable memory ordering")
	}
	r := wfree.NewRing[int](64)
	const producers = 4
	const perProducer = 5000

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := range producers {
		go func(base int) {
			defer wg.Done()
			for i := range perProducer {
				v := base*perProducer + i
				r.Enqueue(&v)
			}
		}(p)
	}

	stop := make(chan struct{})
	var consumedWg sync.WaitGroup
	consumedWg.Add(2)
	for range 2 {
		go func() {
			defer consumedWg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, err := r.Dequeue()
				if err == nil && (v < 0 || v >= producers*perProducer) {
					t.Errorf("Dequeue produced out-of-range value %d", v)
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	consumedWg.Wait()
}
