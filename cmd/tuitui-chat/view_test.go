package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"tuitui/cmd/internal/chat"
)

func TestChatViewPrintsEachEntryOnce(t *testing.T) {
	var buf bytes.Buffer
	v := newChatView(&buf, 1)
	at := time.Date(2026, 1, 2, 3, 4, 0, 0, time.Local)

	mine := chat.Message{LocalID: "a", SenderProfileID: 1, Content: "hi", Status: chat.StatusPending, CreatedAt: at}
	theirs := chat.Message{LocalID: "b", SenderProfileID: 2, Content: "yo", Status: chat.StatusConfirmed, CreatedAt: at}

	v.render([]chat.Message{theirs, mine}, false)
	v.render([]chat.Message{theirs, mine}, false)

	mine.Status = chat.StatusFailed
	v.render([]chat.Message{theirs, mine}, true)

	want := []string{
		"[03:04] me: hi …",
		"[03:04] 2: yo",
		"-- offline: messages are queued until the connection is back",
		`-- not delivered: "hi" (/retry to resend)`,
	}
	got := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("output:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestParseRoomArg(t *testing.T) {
	t.Parallel()

	if id, err := parseRoomArg("42"); err != nil || id != 42 {
		t.Fatalf("parseRoomArg(42)=%d,%v", id, err)
	}
	for _, raw := range []string{"", "0", "-3", "x"} {
		if _, err := parseRoomArg(raw); err == nil {
			t.Fatalf("parseRoomArg(%q) accepted", raw)
		}
	}
}
