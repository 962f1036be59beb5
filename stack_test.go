// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/wfree"
)

func TestStackBasicLIFO(t *testing.T) {
	s := wfree.NewStack[int](4)

	if _, err := s.Pop(); !wfree.IsNotFound(err) {
		t.Fatalf("Pop on empty: got %v, want ErrNotFound", err)
	}
	if _, err := s.Peek(); !wfree.IsNotFound(err) {
		t.Fatalf("Peek on empty: got %v, want ErrNotFound", err)
	}

	for i := range 4 {
		v := i
		s.Push(&v)
	}

	if v, err := s.Peek(); err != nil || v != 3 {
		t.Fatalf("Peek: got (%d, %v), want (3, nil)", v, err)
	}

	for i := 3; i >= 0; i-- {
		v, err := s.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != i {
			t.Fatalf("Pop: got %d, want %d", v, i)
		}
	}
}

// TestStackGrowsPastCapacity exercises the doubling migration.
func TestStackGrowsPastCapacity(t *testing.T) {
	s := wfree.NewStack[int](4)
	const n = 500
	for i := range n {
		v := i
		s.Push(&v)
	}
	for i := n - 1; i >= 0; i-- {
		v, err := s.Pop()
		if err != nil {
			t.Fatalf("Pop(%d): %v", i, err)
		}
		if v != i {
			t.Fatalf("Pop(%d): got %d, want %d", i, v, i)
		}
	}
	if s.Cap() < n {
		t.Fatalf("Cap: got %d, want >= %d", s.Cap(), n)
	}
}

// TestStackConcurrentPushPop checks that every pushed item is eventually
// popped exactly once under concurrent producers and consumers.
func TestStackConcurrentPushPop(t *testing.T) {
	if wfree.RaceEnabled {
		t.Skip("skip: lock-free algorithm uses cross-variable memory ordering")
	}
	s := wfree.NewStack[int](8)
	const pushers = 8
	const perPusher = 2000
	const total = pushers * perPusher

	var wg sync.WaitGroup
	wg.Add(pushers)
	for p := range pushers {
		go func(base int) {
			defer wg.Done()
			for i := range perPusher {
				v := base*perPusher + i
				s.Push(&v)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := make([]bool, total)
	var mu sync.Mutex
	var poppers sync.WaitGroup
	poppers.Add(pushers)
	for range pushers {
		go func() {
			defer poppers.Done()
			for {
				v, err := s.Pop()
				if err != nil {
					select {
					case <-done:
						if _, err2 := s.Pop(); err2 != nil {
							return
						}
					default:
					}
					continue
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	poppers.Wait()
	for i, ok := range seen {
		if !ok {
			t.Fatalf("item %d never observed", i)
		}
	}
}
