// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mmm_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"code.hybscloud.com/wfree/internal/mmm"
)

func TestJoinLeaveReusesSlots(t *testing.T) {
	m := mmm.NewManager()
	for range 3 {
		p := m.Join()
		p.Leave()
	}
}

func TestBeginLinearizedOpAdvancesEpoch(t *testing.T) {
	m := mmm.NewManager()
	p := m.Join()
	defer p.Leave()

	e0 := m.CurrentEpoch()
	e1 := p.BeginLinearizedOp()
	if e1 <= e0 {
		t.Fatalf("BeginLinearizedOp: got %d, want > %d", e1, e0)
	}
	p.EndOp()
	e2 := p.BeginLinearizedOp()
	if e2 <= e1 {
		t.Fatalf("second BeginLinearizedOp: got %d, want > %d", e2, e1)
	}
}

type payload struct{ n int }

// TestNoUseAfterFree is invariant #1 from spec.md §8: no cleanup handler
// runs while any participant's reservation is <= its retirement epoch.
func TestNoUseAfterFree(t *testing.T) {
	m := mmm.NewManager()
	writer := m.Join()
	defer writer.Leave()

	reader := m.Join()
	defer reader.Leave()

	obj := mmm.Alloc[payload](writer, true)
	obj.Value.n = 42

	var freed atomic.Bool
	mmm.AddCleanupHandler(obj, func(o *mmm.Object[payload], aux any) {
		freed.Store(true)
	}, nil)

	reader.BeginBasicOp() // reader reserves the epoch obj is visible at

	writer.BeginBasicOp()
	mmm.Retire(writer, obj)
	writer.EndOp() // drains writer's own list; reader still reserved

	if freed.Load() {
		t.Fatal("cleanup ran while a reservation could still see the object")
	}

	reader.EndOp()
	writer.BeginBasicOp()
	mmm.Retire(writer, mmm.Alloc[payload](writer, true)) // force another drain pass
	writer.EndOp()

	if !freed.Load() {
		t.Fatal("cleanup never ran after the blocking reservation cleared")
	}
}

func TestCommitWriteIdempotent(t *testing.T) {
	m := mmm.NewManager()
	p := m.Join()
	defer p.Leave()

	obj := mmm.Alloc[payload](p, false)
	if obj.WriteEpoch() != 0 {
		t.Fatalf("uncommitted object: WriteEpoch() = %d, want 0", obj.WriteEpoch())
	}

	mmm.CommitWrite(&obj.Header, m)
	first := obj.WriteEpoch()
	if first == 0 {
		t.Fatal("CommitWrite did not publish a write-epoch")
	}

	p.BeginLinearizedOp() // advance the epoch
	mmm.HelpCommit(&obj.Header, m)
	if obj.WriteEpoch() != first {
		t.Fatalf("HelpCommit overwrote an already-committed write-epoch: got %d, want %d", obj.WriteEpoch(), first)
	}
}

// TestConcurrentJoinLeave exercises the participant table under
// contention: goroutines repeatedly join, allocate+retire, and leave.
func TestConcurrentJoinLeave(t *testing.T) {
	m := mmm.NewManager()
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				p := m.Join()
				p.BeginBasicOp()
				obj := mmm.Alloc[payload](p, true)
				mmm.Retire(p, obj)
				p.EndOp()
				p.Leave()
			}
		}()
	}
	wg.Wait()
}
