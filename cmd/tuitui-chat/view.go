package main

import (
	"fmt"
	"io"

	"tuitui/cmd/internal/chat"
)

// chatView prints snapshot changes as an append-only log: each entry once, plus a line when its
// status moves.
type chatView struct {
	out     io.Writer
	me      int64
	seen    map[string]chat.Status
	offline bool
}

func newChatView(out io.Writer, me int64) *chatView {
	return &chatView{out: out, me: me, seen: make(map[string]chat.Status)}
}

func (v *chatView) render(snap []chat.Message, offline bool) {
	if offline != v.offline {
		v.offline = offline
		if offline {
			fmt.Fprintln(v.out, "-- offline: messages are queued until the connection is back")
		} else {
			fmt.Fprintln(v.out, "-- back online")
		}
	}
	// snapshots are newest first
	for i := len(snap) - 1; i >= 0; i-- {
		m := snap[i]
		prev, ok := v.seen[m.LocalID]
		v.seen[m.LocalID] = m.Status
		switch {
		case !ok:
			printMessage(v.out, m, v.me)
		case prev != m.Status && m.Status == chat.StatusFailed:
			fmt.Fprintf(v.out, "-- not delivered: %q (/retry to resend)\n", m.Content)
		}
	}
}

func printMessage(out io.Writer, m chat.Message, me int64) {
	who := fmt.Sprintf("%d", m.SenderProfileID)
	if me != 0 && m.SenderProfileID == me {
		who = "me"
	}
	mark := ""
	switch m.Status {
	case chat.StatusPending:
		mark = " …"
	case chat.StatusFailed:
		mark = " !"
	}
	ts := m.CreatedAt.Local().Format("15:04")
	fmt.Fprintf(out, "[%s] %s: %s%s\n", ts, who, m.Content, mark)
}
