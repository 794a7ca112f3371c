package chat

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Outgoing publish FIFO while the transport is not writable.
	defaultOutboundQueueCap = 100

	// Pending entries older than this without a matching broadcast become Failed.
	defaultPublishTimeout = 10 * time.Second

	// How often a room checks its pending entries for expiry.
	defaultExpireInterval = 1 * time.Second

	// Per-room mailbox depth.
	defaultMailboxSize = 256

	// History paging.
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 200
)

const (
	// Reconnect backoff defaults.
	defaultReconnectDelay    = 1 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultReconnectJitter   = 0.5

	// A connection that stayed up this long resets the backoff attempt counter.
	backoffResetAfter = 60 * time.Second

	// Transport defaults.
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 5 * time.Second
	maxPingFailures         = 3

	// Room opening retries.
	defaultOpenAttempts     = 3
	defaultOpenRetryDelay   = 500 * time.Millisecond
	defaultSubscribeTimeout = 5 * time.Second
)
