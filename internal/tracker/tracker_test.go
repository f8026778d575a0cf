package tracker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/wire"
)

func testChain(id string, seq int64, at time.Time, st State) RelayChain {
	return RelayChain{
		ChainID:        id,
		Phase:          PhaseEntry,
		Index:          0,
		HolderID:       "s1",
		Sequence:       seq,
		LastActivityAt: at,
		State:          st,
	}
}

func TestApplyUpdate_SequenceNeverRegresses(t *testing.T) {
	clk := clock.Fake(time.Unix(1767000000, 0))
	tr := New(zap.NewNop(), WithClock(clk))
	tr.Track(testChain("c1", 5, clk.Now(), StateStalled))

	tr.ApplyUpdate(wire.ChainUpdateEvent{ChainID: "c1", LastHolder: "s2", LastSeq: 5, State: "active"})
	got, _ := tr.Get("c1")
	if got.Sequence != 5 {
		t.Errorf("sequence after equal update = %d, want 5", got.Sequence)
	}
	if got.State != StateActive {
		t.Errorf("state = %s, want active after resumed activity", got.State)
	}
	if got.HolderID != "s2" {
		t.Errorf("holder = %q, want %q", got.HolderID, "s2")
	}

	tr.ApplyUpdate(wire.ChainUpdateEvent{ChainID: "c1", LastHolder: "s3", LastSeq: 6, State: "active"})
	got, _ = tr.Get("c1")
	if got.Sequence != 6 {
		t.Errorf("sequence after advancing update = %d, want 6", got.Sequence)
	}

	tr.ApplyUpdate(wire.ChainUpdateEvent{ChainID: "c1", LastHolder: "s4", LastSeq: 4, State: "active"})
	got, _ = tr.Get("c1")
	if got.Sequence != 6 {
		t.Errorf("sequence after stale update = %d, want 6 (never regress)", got.Sequence)
	}
}

func TestApplyUpdate_CreatesUnknownChain(t *testing.T) {
	clk := clock.Fake(time.Unix(1767000000, 0))
	tr := New(zap.NewNop(), WithClock(clk))

	tr.ApplyUpdate(wire.ChainUpdateEvent{ChainID: "c9", Phase: "exit", LastHolder: "s7", LastSeq: 2, State: "active"})
	got, ok := tr.Get("c9")
	if !ok {
		t.Fatal("chain not created from event")
	}
	if got.Phase != PhaseExit || got.HolderID != "s7" || got.Sequence != 2 || got.State != StateActive {
		t.Errorf("created chain = %+v", got)
	}
}

func TestApplyUpdate_CompletedIsTerminal(t *testing.T) {
	clk := clock.Fake(time.Unix(1767000000, 0))
	tr := New(zap.NewNop(), WithClock(clk))
	tr.Track(testChain("c1", 8, clk.Now(), StateActive))
	tr.Complete("c1")

	tr.ApplyUpdate(wire.ChainUpdateEvent{ChainID: "c1", LastHolder: "s9", LastSeq: 9, State: "active"})
	got, _ := tr.Get("c1")
	if got.State != StateCompleted {
		t.Errorf("state = %s, want completed to stay terminal", got.State)
	}
	if got.Sequence != 8 || got.HolderID != "s1" {
		t.Errorf("completed chain mutated: %+v", got)
	}

	tr.MarkStalled([]string{"c1"})
	if got, _ := tr.Get("c1"); got.State != StateCompleted {
		t.Errorf("MarkStalled flipped a completed chain to %s", got.State)
	}
}

func TestSweepStaleness_Boundary(t *testing.T) {
	now := time.Unix(1767000000, 0)
	tr := New(zap.NewNop(), WithClock(clock.Fake(now)))
	tr.Track(testChain("old", 1, now.Add(-91*time.Second), StateActive))
	tr.Track(testChain("fresh", 1, now.Add(-89*time.Second), StateActive))
	tr.Track(testChain("edge", 1, now.Add(-90*time.Second), StateActive))

	stalled := tr.SweepStaleness(now)
	if len(stalled) != 1 || stalled[0] != "old" {
		t.Fatalf("stalled = %v, want [old]", stalled)
	}
	if got, _ := tr.Get("fresh"); got.State != StateActive {
		t.Errorf("fresh chain = %s, want active at 89s idle", got.State)
	}
	if got, _ := tr.Get("edge"); got.State != StateActive {
		t.Errorf("edge chain = %s, want active at exactly the threshold", got.State)
	}

	// Repeated sweeps over an already stalled chain are no-ops.
	if again := tr.SweepStaleness(now); len(again) != 0 {
		t.Errorf("second sweep stalled %v, want none", again)
	}
	if got, _ := tr.Get("old"); got.State != StateStalled {
		t.Errorf("old chain = %s, want stalled", got.State)
	}
}

func TestSweep_ThenActivityResumes(t *testing.T) {
	clk := clock.Fake(time.Unix(1767000000, 0))
	tr := New(zap.NewNop(), WithClock(clk))
	tr.Track(testChain("c1", 3, clk.Now().Add(-2*time.Minute), StateActive))

	tr.SweepStaleness(clk.Now())
	if got, _ := tr.Get("c1"); got.State != StateStalled {
		t.Fatalf("state = %s, want stalled", got.State)
	}

	tr.ApplyUpdate(wire.ChainUpdateEvent{ChainID: "c1", LastHolder: "s2", LastSeq: 4, State: "active"})
	got, _ := tr.Get("c1")
	if got.State != StateActive {
		t.Errorf("state = %s, want active after handoff", got.State)
	}
	if got.Sequence != 4 {
		t.Errorf("sequence = %d, want 4", got.Sequence)
	}
}

func TestSnapshot_OrderedByPhaseThenIndex(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Track(RelayChain{ChainID: "x2", Phase: PhaseExit, Index: 1})
	tr.Track(RelayChain{ChainID: "e2", Phase: PhaseEntry, Index: 1})
	tr.Track(RelayChain{ChainID: "e1", Phase: PhaseEntry, Index: 0})
	tr.Track(RelayChain{ChainID: "x1", Phase: PhaseExit, Index: 0})

	var ids []string
	for _, ch := range tr.Snapshot() {
		ids = append(ids, ch.ChainID)
	}
	want := []string{"e1", "e2", "x1", "x2"}
	if len(ids) != len(want) {
		t.Fatalf("snapshot = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("snapshot order = %v, want %v", ids, want)
		}
	}
}

func TestRun_SweepsOnTicker(t *testing.T) {
	clk := clock.Fake(time.Unix(1767000000, 0))
	tr := New(zap.NewNop(), WithClock(clk),
		WithSweepInterval(10*time.Second), WithStaleThreshold(90*time.Second))
	tr.Track(testChain("c1", 1, clk.Now(), StateActive))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	clk.Advance(100 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, _ := tr.Get("c1"); got.State == StateStalled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background sweep never stalled the idle chain")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
