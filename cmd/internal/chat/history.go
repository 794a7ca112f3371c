package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	v1 "tuitui/shared/contracts/chat/v1"
)

// HistoryLoader pages past messages of a room over REST.
type HistoryLoader struct {
	rest    *RESTClient
	log     *slog.Logger
	metrics *Metrics
}

// NewHistoryLoader constructs a loader on top of a shared REST client.
func NewHistoryLoader(rest *RESTClient, metrics *Metrics) *HistoryLoader {
	return &HistoryLoader{rest: rest, log: rest.log, metrics: metrics}
}

// Fetch returns page pageNo (0 = most recent) of roomID, newest first.
//
// AuthErrors are returned unchanged (and forwarded to the session provider). Every other
// failure is a *HistoryFetchError. Nothing is retried here.
func (h *HistoryLoader) Fetch(ctx context.Context, roomID int64, pageNo, pageSize int) ([]Message, error) {
	if pageNo < 0 {
		pageNo = 0
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	q := url.Values{}
	q.Set("pageNo", strconv.Itoa(pageNo))
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("sortBy", "createdAt")

	var resp v1.Response[v1.HistoryPage]
	path := fmt.Sprintf("/api/chat/rooms/%d/messages", roomID)
	if err := h.rest.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		if IsAuthError(err) {
			h.metrics.historyError("auth")
			return nil, err
		}
		fe := &HistoryFetchError{RoomID: roomID, PageNo: pageNo, Err: err}
		var se *StatusError
		switch {
		case errors.As(err, &se):
			fe.Status = se.Status
			h.metrics.historyError("status")
		case IsProtocolError(err):
			h.metrics.historyError("malformed")
		default:
			h.metrics.historyError("network")
		}
		return nil, fe
	}

	out := make([]Message, 0, len(resp.Data.Contents))
	for i, w := range resp.Data.Contents {
		if err := w.Validate(); err != nil {
			h.log.Warn("history.entry.drop", "room_id", roomID, "page_no", pageNo, "index", i, "err", err)
			continue
		}
		out = append(out, fromWire(w, roomID))
	}

	slices.SortStableFunc(out, func(a, b Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}
