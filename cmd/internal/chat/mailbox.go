package chat

import (
	"context"
	"sync"
)

// mailbox is the single-writer queue of one room. Operations run one at a time on the
// mailbox goroutine, in submission order. After close returns no operation runs again.
type mailbox struct {
	ops  chan func(*MessageStore)
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

func newMailbox(size int) *mailbox {
	if size <= 0 {
		size = defaultMailboxSize
	}
	return &mailbox{
		ops:  make(chan func(*MessageStore), size),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// run applies operations to store until close. applied is called after each operation.
func (m *mailbox) run(store *MessageStore, applied func()) {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case op := <-m.ops:
			select {
			case <-m.quit:
				return
			default:
			}
			op(store)
			if applied != nil {
				applied()
			}
		}
	}
}

// submit queues op. It blocks while the mailbox is full.
func (m *mailbox) submit(ctx context.Context, op func(*MessageStore)) error {
	select {
	case <-m.quit:
		return ErrMailboxClosed
	default:
	}
	select {
	case <-m.quit:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.ops <- op:
		return nil
	}
}

// trySubmit queues op without waiting. It returns ErrMailboxFull when the buffer is full.
func (m *mailbox) trySubmit(op func(*MessageStore)) error {
	select {
	case <-m.quit:
		return ErrMailboxClosed
	default:
	}
	select {
	case m.ops <- op:
		return nil
	default:
		return ErrMailboxFull
	}
}

// call queues op and waits until it has been applied.
func (m *mailbox) call(ctx context.Context, op func(*MessageStore)) error {
	applied := make(chan struct{})
	if err := m.submit(ctx, func(s *MessageStore) {
		op(s)
		close(applied)
	}); err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-m.done:
		select {
		case <-applied:
			return nil
		default:
			return ErrMailboxClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the mailbox and waits for an in-flight operation to finish.
// It must not be called from inside an operation.
func (m *mailbox) close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
}

func (m *mailbox) closed() <-chan struct{} { return m.quit }
