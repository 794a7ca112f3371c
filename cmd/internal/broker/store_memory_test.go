package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustRoom(t *testing.T, s MessageStore, host, guest int64) Room {
	t.Helper()
	r, err := s.CreateRoom(context.Background(), host, guest)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return r
}

func TestInMemoryStore_CreateRoom_IdempotentPerPair(t *testing.T) {
	s := NewInMemoryStore()

	a := mustRoom(t, s, 1, 2)
	b := mustRoom(t, s, 2, 1)
	if a.RoomID != b.RoomID {
		t.Fatalf("expected same room for reversed pair, got %d and %d", a.RoomID, b.RoomID)
	}
	c := mustRoom(t, s, 1, 3)
	if c.RoomID == a.RoomID {
		t.Fatalf("expected a new room for a new pair")
	}

	rooms, err := s.ListRooms(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 2 || rooms[0].RoomID != a.RoomID || rooms[1].RoomID != c.RoomID {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}

	if _, err := s.CreateRoom(context.Background(), 4, 4); err == nil {
		t.Fatalf("expected error for self room")
	}
}

func TestInMemoryStore_Append_MonotonicPerRoom(t *testing.T) {
	s := NewInMemoryStore()
	r1 := mustRoom(t, s, 1, 2)
	r2 := mustRoom(t, s, 1, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendMessage(ctx, AppendMessageInput{
				RoomID: r1.RoomID, SenderProfileID: 1, ReceiverProfileID: 2, Content: fmt.Sprintf("m%d", i),
			}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	page, err := s.FetchHistory(ctx, FetchHistoryInput{RoomID: r1.RoomID, PageSize: 100})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(page))
	}
	for i, m := range page {
		if want := int64(50 - i); m.ChatContentID != want {
			t.Fatalf("index %d: expected id %d got %d", i, want, m.ChatContentID)
		}
	}

	other, err := s.AppendMessage(ctx, AppendMessageInput{RoomID: r2.RoomID, SenderProfileID: 1, Content: "x"})
	if err != nil {
		t.Fatalf("append other room: %v", err)
	}
	if other.ChatContentID != 1 {
		t.Fatalf("expected per-room ids to start at 1, got %d", other.ChatContentID)
	}
}

func TestInMemoryStore_FetchHistory_PagesNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	r := mustRoom(t, s, 1, 2)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			RoomID: r.RoomID, SenderProfileID: 1, Content: fmt.Sprintf("m%d", i), Now: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cases := []struct {
		pageNo, pageSize int
		want             []string
	}{
		{0, 2, []string{"m4", "m3"}},
		{1, 2, []string{"m2", "m1"}},
		{2, 2, []string{"m0"}},
		{3, 2, nil},
	}
	for _, tc := range cases {
		page, err := s.FetchHistory(ctx, FetchHistoryInput{RoomID: r.RoomID, PageNo: tc.pageNo, PageSize: tc.pageSize})
		if err != nil {
			t.Fatalf("page %d: %v", tc.pageNo, err)
		}
		if len(page) != len(tc.want) {
			t.Fatalf("page %d: expected %d entries got %d", tc.pageNo, len(tc.want), len(page))
		}
		for i, m := range page {
			if m.Content != tc.want[i] {
				t.Fatalf("page %d index %d: expected %q got %q", tc.pageNo, i, tc.want[i], m.Content)
			}
		}
	}
}

func TestInMemoryStore_UnknownRoom(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, AppendMessageInput{RoomID: 9, SenderProfileID: 1, Content: "x"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("append: expected ErrRoomNotFound, got %v", err)
	}
	if _, err := s.FetchHistory(ctx, FetchHistoryInput{RoomID: 9}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("history: expected ErrRoomNotFound, got %v", err)
	}
}
