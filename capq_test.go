// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/wfree"
)

func TestCAPQBasicFIFO(t *testing.T) {
	q := wfree.NewCAPQ[int](4)

	if _, err := q.Dequeue(); !wfree.IsNotFound(err) {
		t.Fatalf("Dequeue on empty: got %v, want ErrNotFound", err)
	}

	var epochs []uint64
	for i := range 4 {
		v := i
		epochs = append(epochs, q.Enqueue(&v))
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i] <= epochs[i-1] {
			t.Fatalf("epochs not strictly increasing: %v", epochs)
		}
	}

	for i := range 4 {
		v, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if v != i {
			t.Fatalf("Dequeue(%d): got %d, want %d", i, v, i)
		}
	}
}

// TestCAPQTopCapExclusivity checks that once Top returns an epoch, at
// most one concurrent Cap(epoch) call can succeed (spec.md §4.4).
func TestCAPQTopCapExclusivity(t *testing.T) {
	q := wfree.NewCAPQ[int](4)
	v := 7
	epoch := q.Enqueue(&v)

	item, gotEpoch, err := q.Top()
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if item != 7 || gotEpoch != epoch {
		t.Fatalf("Top: got (%d, %d), want (7, %d)", item, gotEpoch, epoch)
	}

	const racers = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(racers)
	for range racers {
		go func() {
			defer wg.Done()
			if q.Cap(epoch) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("Cap wins: got %d, want 1", wins)
	}
	if _, err := q.Dequeue(); !wfree.IsNotFound(err) {
		t.Fatalf("Dequeue after Cap race: got %v, want ErrNotFound", err)
	}
}

// TestCAPQConcurrentMigrationPreservesItems fills a small store to
// capacity, then has many goroutines simultaneously overflow it and
// trigger a migration (Enqueue past capacity and Top both call migrate).
// Every item enqueued before the race must still be dequeueable after it
// settles — spec.md §8's migration-preservation property.
func TestCAPQConcurrentMigrationPreservesItems(t *testing.T) {
	if wfree.RaceEnabled {
		t.Skip("skip: wait-free algorithm uses cross-variable memory ordering")
	}
	q := wfree.NewCAPQ[int](2)
	var seed []int
	for i := range 2 {
		v := i
		q.Enqueue(&v)
		seed = append(seed, i)
	}

	const racers = 32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := range racers {
		go func(n int) {
			defer wg.Done()
			v := 1000 + n
			q.Enqueue(&v)
			_, _, _ = q.Top()
		}(i)
	}
	wg.Wait()

	seen := map[int]int{}
	for {
		v, err := q.Dequeue()
		if err != nil {
			break
		}
		seen[v]++
	}

	for _, v := range seed {
		if seen[v] != 1 {
			t.Fatalf("seed item %d: got %d occurrences, want 1", v, seen[v])
		}
	}
	for i := range racers {
		v := 1000 + i
		if seen[v] != 1 {
			t.Fatalf("racer item %d: got %d occurrences, want 1", v, seen[v])
		}
	}
}

// TestCAPQGrowsPastCapacity exercises the doubling migration by enqueuing
// well past the initial capacity.
func TestCAPQGrowsPastCapacity(t *testing.T) {
	q := wfree.NewCAPQ[int](4)
	const n = 500
	for i := range n {
		v := i
		q.Enqueue(&v)
	}
	for i := range n {
		v, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if v != i {
			t.Fatalf("Dequeue(%d): got %d, want %d", i, v, i)
		}
	}
	if q.Capacity() < n {
		t.Fatalf("Capacity: got %d, want >= %d", q.Capacity(), n)
	}
}
