package broker

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max content length (runes), aligned with the client contract.
	maxContentChars = 4000

	// Stored messages kept per room by the in-memory store.
	memMaxMessagesPerRoom = 10_000
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// CONNECT must arrive within this window after the upgrade.
	connectTimeout = 10 * time.Second

	// History paging.
	defaultPageSize = 20
	maxPageSize     = 200
)
