package chat

import (
	"fmt"
	"testing"
	"time"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, timeout time.Duration) (*MessageStore, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	st := NewMessageStore(42, timeout,
		WithClock(clk.Now),
		WithIDGenerator(func(time.Time) string {
			n++
			return fmt.Sprintf("local-%d", n)
		}),
	)
	return st, clk
}

func serverMsg(id int64, sender int64, content string, at time.Time) Message {
	return Message{ServerID: &id, RoomID: 42, SenderProfileID: sender, Content: content, CreatedAt: at, Status: StatusConfirmed}
}

func contents(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}

func assertOrder(t *testing.T, st *MessageStore, want ...string) {
	t.Helper()
	got := contents(st.Snapshot())
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
}

func TestMessageStore_OrderStability(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)

	var history []Message
	for i := 1; i <= 10; i++ {
		history = append(history, serverMsg(int64(100-i), 1, fmt.Sprintf("m%d", i), clk.now.Add(-time.Duration(i)*time.Minute)))
	}
	if !st.Seed(history) {
		t.Fatalf("expected first seed to apply")
	}
	st.AppendLive(serverMsg(200, 2, "m11", clk.now))

	assertOrder(t, st, "m11", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9", "m10")
}

func TestMessageStore_SeedOnce(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	st.Seed([]Message{serverMsg(1, 1, "a", clk.now.Add(-time.Minute))})
	if st.Seed([]Message{serverMsg(2, 1, "b", clk.now)}) {
		t.Fatalf("expected second seed to be ignored")
	}
	assertOrder(t, st, "a")
	if !st.Seeded() {
		t.Fatalf("expected Seeded")
	}
}

func TestMessageStore_SeedAfterLiveDoesNotDuplicate(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	live := serverMsg(5, 1, "fresh", clk.now)
	st.AppendLive(live)

	// history page raced the broadcast and contains it too
	st.Seed([]Message{serverMsg(5, 1, "fresh", clk.now), serverMsg(4, 1, "older", clk.now.Add(-time.Minute))})
	assertOrder(t, st, "fresh", "older")
}

func TestMessageStore_NoDuplication(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)

	p := st.AppendPending(Message{SenderProfileID: 7, ReceiverProfileID: 9, Content: "hello"})
	if p.Status != StatusPending || p.LocalID == "" || p.HasServerID() {
		t.Fatalf("unexpected pending entry: %+v", p)
	}

	clk.Advance(3 * time.Second)
	got, confirmed := st.AppendLive(serverMsg(77, 7, "hello", clk.now))
	if !confirmed {
		t.Fatalf("expected the broadcast to confirm the pending entry")
	}
	if got.LocalID != p.LocalID {
		t.Fatalf("expected LocalID to be kept: %q vs %q", got.LocalID, p.LocalID)
	}
	if st.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", st.Len())
	}

	// the same broadcast delivered twice is ignored
	st.AppendLive(serverMsg(77, 7, "hello", clk.now))
	if st.Len() != 1 {
		t.Fatalf("expected redelivery to be ignored, got %d entries", st.Len())
	}
	if st.CountStatus(StatusConfirmed) != 1 {
		t.Fatalf("expected one confirmed entry")
	}
}

func TestMessageStore_ConfirmsOldestMatchingPending(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	first := st.AppendPending(Message{SenderProfileID: 7, Content: "ok"})
	clk.Advance(time.Second)
	second := st.AppendPending(Message{SenderProfileID: 7, Content: "ok"})
	clk.Advance(time.Second)

	got, _ := st.AppendLive(serverMsg(1, 7, "ok", clk.now))
	if got.LocalID != first.LocalID {
		t.Fatalf("expected oldest pending to be confirmed")
	}
	if m, _ := st.Get(second.LocalID); m.Status != StatusPending {
		t.Fatalf("expected second entry still pending, got %s", m.Status)
	}

	// a different sender never matches
	st.AppendLive(serverMsg(2, 8, "ok", clk.now))
	if m, _ := st.Get(second.LocalID); m.Status != StatusPending {
		t.Fatalf("expected second entry still pending after foreign broadcast")
	}
	if st.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", st.Len())
	}
}

func TestMessageStore_TimeoutToFailure(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	p := st.AppendPending(Message{SenderProfileID: 7, Content: "lost"})

	clk.Advance(9 * time.Second)
	if failed := st.ExpirePending(); len(failed) != 0 {
		t.Fatalf("expected nothing expired yet, got %d", len(failed))
	}

	clk.Advance(time.Second)
	failed := st.ExpirePending()
	if len(failed) != 1 || failed[0].LocalID != p.LocalID {
		t.Fatalf("expected the entry to fail, got %+v", failed)
	}
	if again := st.ExpirePending(); len(again) != 0 {
		t.Fatalf("expected failure to be reported once")
	}
	if st.Len() != 1 || st.CountStatus(StatusFailed) != 1 {
		t.Fatalf("expected exactly one failed entry, got %+v", st.Snapshot())
	}

	// a late broadcast does not revive a failed entry
	st.AppendLive(serverMsg(9, 7, "lost", clk.now))
	if m, _ := st.Get(p.LocalID); m.Status != StatusFailed {
		t.Fatalf("expected failed entry to stay failed")
	}
}

func TestMessageStore_ScenarioA(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	st.AppendPending(Message{RoomID: 42, SenderProfileID: 7, ReceiverProfileID: 9, Content: "hello"})
	if st.Len() != 1 || st.CountStatus(StatusPending) != 1 {
		t.Fatalf("expected one pending entry")
	}

	serverAt := clk.now.Add(150 * time.Millisecond)
	clk.Advance(200 * time.Millisecond)
	st.AppendLive(Message{RoomID: 42, SenderProfileID: 7, Content: "hello", CreatedAt: serverAt})

	snap := st.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one entry, got %d", len(snap))
	}
	if snap[0].Status != StatusConfirmed || !snap[0].CreatedAt.Equal(serverAt) {
		t.Fatalf("expected confirmed entry at server time, got %+v", snap[0])
	}
}

func TestMessageStore_MergeHistoryConfirmsPending(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	st.Seed(nil)
	p := st.AppendPending(Message{SenderProfileID: 7, Content: "sent"})
	clk.Advance(time.Second)

	added := st.MergeHistory([]Message{
		serverMsg(3, 7, "sent", clk.now),
		serverMsg(2, 9, "reply", clk.now.Add(-time.Hour)),
	})
	if added != 1 {
		t.Fatalf("expected 1 added entry, got %d", added)
	}
	m, ok := st.Get(p.LocalID)
	if !ok || m.Status != StatusConfirmed || m.ServerID == nil || *m.ServerID != 3 {
		t.Fatalf("expected pending confirmed by history, got %+v", m)
	}
	if st.MergeHistory([]Message{serverMsg(2, 9, "reply", clk.now.Add(-time.Hour))}) != 0 {
		t.Fatalf("expected duplicate page to add nothing")
	}
	if oldest, _ := st.Oldest(); oldest.Content != "reply" {
		t.Fatalf("unexpected oldest: %+v", oldest)
	}
}

func TestMessageStore_UniqueIDs(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	for i := 0; i < 5; i++ {
		st.AppendPending(Message{SenderProfileID: 1, Content: fmt.Sprint(i)})
		st.AppendLive(serverMsg(int64(i), 2, fmt.Sprint("s", i), clk.now))
		st.AppendLive(serverMsg(int64(i), 2, fmt.Sprint("s", i), clk.now))
		clk.Advance(time.Millisecond)
	}

	locals := map[string]bool{}
	servers := map[int64]bool{}
	for _, m := range st.Snapshot() {
		if locals[m.LocalID] {
			t.Fatalf("duplicate local id %q", m.LocalID)
		}
		locals[m.LocalID] = true
		if m.ServerID != nil {
			if servers[*m.ServerID] {
				t.Fatalf("duplicate server id %d", *m.ServerID)
			}
			servers[*m.ServerID] = true
		}
	}
	if st.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", st.Len())
	}
}

func TestMessageStore_RemoveAndSnapshotIsolation(t *testing.T) {
	st, clk := newTestStore(t, 10*time.Second)
	st.AppendLive(serverMsg(1, 1, "a", clk.now))
	snap := st.Snapshot()
	*snap[0].ServerID = 999

	if m := st.Snapshot()[0]; *m.ServerID != 1 {
		t.Fatalf("snapshot aliased store state")
	}
	if _, ok := st.Remove(snap[0].LocalID); !ok || st.Len() != 0 {
		t.Fatalf("expected removal")
	}
	if _, ok := st.Remove("missing"); ok {
		t.Fatalf("expected missing removal to fail")
	}
}
