package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMailbox_AppliesInOrder(t *testing.T) {
	mb := newMailbox(4)
	st := NewMessageStore(1, time.Second)
	var applied atomic.Int32
	go mb.run(st, func() { applied.Add(1) })
	defer mb.close()

	var got []int
	for i := 0; i < 20; i++ {
		if err := mb.submit(context.Background(), func(*MessageStore) { got = append(got, i) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := mb.call(context.Background(), func(*MessageStore) {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected submission order, got %v", got)
		}
	}
	if applied.Load() != 21 {
		t.Fatalf("expected 21 applied callbacks, got %d", applied.Load())
	}
}

func TestMailbox_NoOperationAfterClose(t *testing.T) {
	mb := newMailbox(8)
	go mb.run(NewMessageStore(1, time.Second), nil)

	block := make(chan struct{})
	started := make(chan struct{})
	_ = mb.submit(context.Background(), func(*MessageStore) {
		close(started)
		<-block
	})
	<-started

	var ran atomic.Bool
	if err := mb.submit(context.Background(), func(*MessageStore) { ran.Store(true) }); err != nil {
		t.Fatalf("submit queued op: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		mb.close()
		close(closed)
	}()
	// close waits for the in-flight op
	select {
	case <-closed:
		t.Fatalf("close returned while an op was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(block)
	<-closed

	if ran.Load() {
		t.Fatalf("queued op ran after close")
	}
	if err := mb.submit(context.Background(), func(*MessageStore) {}); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("expected ErrMailboxClosed, got %v", err)
	}
	if err := mb.call(context.Background(), func(*MessageStore) {}); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("expected ErrMailboxClosed from call, got %v", err)
	}
	mb.close() // idempotent
}

func TestMailbox_SubmitHonoursContext(t *testing.T) {
	mb := newMailbox(1)
	// not running: the buffer fills after one op
	_ = mb.submit(context.Background(), func(*MessageStore) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mb.submit(ctx, func(*MessageStore) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMailbox_TrySubmitNeverWaits(t *testing.T) {
	mb := newMailbox(1)
	// not running: the first op fills the buffer
	if err := mb.trySubmit(func(*MessageStore) {}); err != nil {
		t.Fatalf("first trySubmit: %v", err)
	}
	if err := mb.trySubmit(func(*MessageStore) {}); !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("expected ErrMailboxFull, got %v", err)
	}

	go mb.run(NewMessageStore(1, time.Second), nil)
	if err := mb.call(context.Background(), func(*MessageStore) {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := mb.trySubmit(func(*MessageStore) {}); err != nil {
		t.Fatalf("trySubmit after drain: %v", err)
	}
	mb.close()
	if err := mb.trySubmit(func(*MessageStore) {}); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("expected ErrMailboxClosed, got %v", err)
	}
}
