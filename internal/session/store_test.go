package session_test

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/agenthud/agenthud/internal/session"
	"github.com/agenthud/agenthud/internal/transcript"
)

// timedUserEvent builds a user event carrying the given timestamp so tests
// can control LastActivityAt precisely.
func timedUserEvent(id string, ts time.Time) *transcript.Event {
	return &transcript.Event{
		SessionID: id,
		Type:      "user",
		Timestamp: ts.Format(time.RFC3339),
		Message: &transcript.Message{
			Role:    "user",
			Content: transcript.Content{{Type: transcript.BlockText, Text: "task for " + id}},
		},
	}
}

func TestCapacityEvictsGloballyOldest(t *testing.T) {
	st := session.NewStore(1000, 100000, slog.Default())

	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("s%04d", i)
		st.Apply("/r/p/"+id+".jsonl", timedUserEvent(id, base.Add(time.Duration(i)*time.Second)))
	}
	if st.Len() != 1000 {
		t.Fatalf("len = %d, want 1000", st.Len())
	}

	// The 1001st session must evict exactly the oldest-by-activity record.
	st.Apply("/r/p/s1000.jsonl", timedUserEvent("s1000", base.Add(2000*time.Second)))

	if st.Len() != 1000 {
		t.Errorf("len = %d, want 1000 after eviction", st.Len())
	}
	if _, ok := st.Get("s0000"); ok {
		t.Error("oldest session s0000 should have been evicted")
	}
	if _, ok := st.Get("s0001"); !ok {
		t.Error("second-oldest session s0001 should have survived")
	}
	if _, ok := st.Get("s1000"); !ok {
		t.Error("newly added session missing")
	}
}

func TestSweepIdleEvictsQuietIdleSessions(t *testing.T) {
	st := newTestStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	// Idle and quiet past the threshold: evicted.
	st.Apply("/r/p/old.jsonl", timedUserEvent("old", now.Add(-2*time.Hour)))
	st.Apply("/r/p/old.jsonl", &transcript.Event{
		SessionID: "old", Type: "summary",
		Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339),
	})
	// Working and quiet: transitions to idle, not evicted yet.
	st.Apply("/r/p/stale.jsonl", timedUserEvent("stale", now.Add(-45*time.Minute)))
	// Recently active: untouched.
	st.Apply("/r/p/fresh.jsonl", timedUserEvent("fresh", now.Add(-time.Minute)))

	st.SweepIdle(now, 30*time.Minute)

	if _, ok := st.Get("old"); ok {
		t.Error("quiet idle session should have been evicted")
	}
	s, ok := st.Get("stale")
	if !ok {
		t.Fatal("quiet working session should survive the first sweep")
	}
	if s.Status != session.StatusIdle {
		t.Errorf("status = %q, want idle after quiet period", s.Status)
	}
	if s, _ := st.Get("fresh"); s.Status != session.StatusWorking {
		t.Errorf("fresh session status = %q, want working", s.Status)
	}

	// A second sweep now evicts the transitioned session.
	st.SweepIdle(now, 30*time.Minute)
	if _, ok := st.Get("stale"); ok {
		t.Error("idle session should be evicted on the following sweep")
	}
}

func TestTouchFilePreventsIdleEviction(t *testing.T) {
	st := newTestStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	// The embedded timestamp is stale, but the file is being written.
	st.Apply("/r/p/s1.jsonl", timedUserEvent("s1", now.Add(-3*time.Hour)))
	st.TouchFile("/r/p/s1.jsonl", now)

	st.SweepIdle(now, 30*time.Minute)

	s, ok := st.Get("s1")
	if !ok {
		t.Fatal("touched session must not be swept")
	}
	if !s.LastActivityAt.Equal(now) {
		t.Errorf("last activity = %v, want force-touched to %v", s.LastActivityAt, now)
	}
}

func TestRemoveFileDropsSessionsAndOffset(t *testing.T) {
	st := newTestStore()
	st.Apply("/r/p/a.jsonl", timedUserEvent("s1", time.Now()))
	st.Apply("/r/p/a.jsonl", timedUserEvent("s2", time.Now()))
	st.Apply("/r/p/b.jsonl", timedUserEvent("s3", time.Now()))
	st.SetOffset("/r/p/a.jsonl", 512)
	st.Drain() // clear creation noise

	st.RemoveFile("/r/p/a.jsonl")

	if _, ok := st.Get("s1"); ok {
		t.Error("s1 should be removed with its file")
	}
	if _, ok := st.Get("s2"); ok {
		t.Error("s2 should be removed with its file")
	}
	if _, ok := st.Get("s3"); !ok {
		t.Error("s3 belongs to another file and must survive")
	}
	if off := st.Offset("/r/p/a.jsonl"); off != 0 {
		t.Errorf("offset = %d, want dropped", off)
	}

	b := st.Drain()
	if len(b.Removed) != 2 {
		t.Errorf("drained removals = %v, want both sessions", b.Removed)
	}
}

func TestDrainReturnsDetachedCopiesAndClears(t *testing.T) {
	st := newTestStore()
	st.Apply("/r/p/s1.jsonl", timedUserEvent("s1", time.Now()))

	b := st.Drain()
	if len(b.Changed) != 1 || b.Changed[0].ID != "s1" {
		t.Fatalf("changed = %+v, want s1", b.Changed)
	}
	if b.ID == "" {
		t.Error("batch ID must be set")
	}

	// Mutating the drained copy must not reach the store.
	b.Changed[0].Goal = "tampered"
	if s, _ := st.Get("s1"); s.Goal == "tampered" {
		t.Error("drained session shares memory with the store")
	}

	if b2 := st.Drain(); !b2.Empty() {
		t.Errorf("second drain = %+v, want empty", b2)
	}
}

func TestRequeueRedeliversOnNextDrain(t *testing.T) {
	st := newTestStore()
	st.Apply("/r/p/s1.jsonl", timedUserEvent("s1", time.Now()))
	st.RemoveFile("/r/p/s1.jsonl")
	st.Apply("/r/p/s2.jsonl", timedUserEvent("s2", time.Now()))

	b := st.Drain()
	if len(b.Removed) != 1 || len(b.Changed) != 1 {
		t.Fatalf("batch = %+v, want one change and one removal", b)
	}

	// Delivery failed downstream: hand the whole batch back.
	st.Requeue(b)

	b2 := st.Drain()
	if len(b2.Changed) != 1 || b2.Changed[0].ID != "s2" {
		t.Errorf("requeued change lost: %+v", b2.Changed)
	}
	if len(b2.Removed) != 1 || b2.Removed[0] != "s1" {
		t.Errorf("requeued removal lost: %v", b2.Removed)
	}
}

func TestRequeueHonorsPendingCap(t *testing.T) {
	st := session.NewStore(1000, 2, slog.Default())
	st.Apply("/r/p/s1.jsonl", timedUserEvent("s1", time.Now()))
	st.Apply("/r/p/s2.jsonl", timedUserEvent("s2", time.Now()))

	b := st.Drain()
	// New activity fills the outbox back up to its cap of 2.
	st.Apply("/r/p/s3.jsonl", timedUserEvent("s3", time.Now()))
	st.Apply("/r/p/s4.jsonl", timedUserEvent("s4", time.Now()))

	st.Requeue(b) // no room: retry entries are dropped, live ones kept

	b2 := st.Drain()
	if len(b2.Changed)+len(b2.Removed) > 2 {
		t.Errorf("pending exceeded cap: %+v", b2)
	}
	got := map[string]bool{}
	for _, s := range b2.Changed {
		got[s.ID] = true
	}
	if !got["s3"] || !got["s4"] {
		t.Errorf("live changes must win over requeued ones: %v", got)
	}
}

func TestChangedButEvictedReportedAsRemoved(t *testing.T) {
	st := session.NewStore(1, 100, slog.Default())
	st.Apply("/r/p/s1.jsonl", timedUserEvent("s1", time.Now().Add(-time.Hour)))
	// Capacity 1: adding s2 evicts s1, whose change notice is superseded.
	st.Apply("/r/p/s2.jsonl", timedUserEvent("s2", time.Now()))

	b := st.Drain()
	if len(b.Changed) != 1 || b.Changed[0].ID != "s2" {
		t.Errorf("changed = %+v, want only s2", b.Changed)
	}
	if len(b.Removed) != 1 || b.Removed[0] != "s1" {
		t.Errorf("removed = %v, want s1", b.Removed)
	}
}

func TestOffsetsRestoreKeepsLarger(t *testing.T) {
	st := newTestStore()
	st.SetOffset("/r/a.jsonl", 100)
	st.RestoreOffsets(map[string]int64{
		"/r/a.jsonl": 50,  // stale snapshot, current knowledge wins
		"/r/b.jsonl": 700, // fresh knowledge from the snapshot
	})

	if off := st.Offset("/r/a.jsonl"); off != 100 {
		t.Errorf("a offset = %d, want 100", off)
	}
	if off := st.Offset("/r/b.jsonl"); off != 700 {
		t.Errorf("b offset = %d, want 700", off)
	}
}
