package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		level  slog.Level
		result string
		class  string
	}{
		{http.StatusSwitchingProtocols, slog.LevelInfo, "success", "1xx"},
		{http.StatusCreated, slog.LevelInfo, "success", "2xx"},
		{http.StatusMovedPermanently, slog.LevelInfo, "redirect", "3xx"},
		{http.StatusTooManyRequests, slog.LevelWarn, "client_error", "4xx"},
		{http.StatusInternalServerError, slog.LevelError, "server_error", "5xx"},
		{42, slog.LevelInfo, "success", "unknown"},
	}
	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		class := statusClass(tc.status)
		if level != tc.level || result != tc.result || class != tc.class {
			t.Fatalf("status %d: got (%v, %q, %q) want (%v, %q, %q)",
				tc.status, level, result, class, tc.level, tc.result, tc.class)
		}
	}
}

func TestWithRequestLogging_RequestID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/rooms/1/messages", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if rec["level"] != "WARN" || rec["status"] != float64(404) || rec["request_id"] != "req-123" || rec["bytes"] != float64(4) {
		t.Fatalf("unexpected log record %v", rec)
	}

	buf.Reset()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN") // handlers may override
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat/rooms", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d", rr.Code)
	}
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "SAMEORIGIN",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want %q", k, got, v)
		}
	}
}

func TestLoggingResponseWriter_Unwrap(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr}
	if http.ResponseWriter(rr) != lrw.Unwrap() {
		t.Fatalf("expected Unwrap to return the underlying writer")
	}
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatalf("expected hijack to fail on a recorder")
	}
}
