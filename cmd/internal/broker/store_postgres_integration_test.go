package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tuitui/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when TUITUI_TEST_DATABASE_URL is set.

func TestPostgresStore_AppendConcurrent_Monotonic(t *testing.T) {
	t.Parallel()
	st, pool, schema := mustMigratedStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	room, err := st.CreateRoom(ctx, 10, 20)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.AppendMessage(ctx, AppendMessageInput{
				RoomID: room.RoomID, SenderProfileID: 10, ReceiverProfileID: 20, Content: fmt.Sprintf("m-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var maxID, cnt int64
	if err := pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(chat_content_id), 0), COUNT(*) FROM `+pgIdent(schema, "chat_contents")+` WHERE room_id = $1`,
		room.RoomID,
	).Scan(&maxID, &cnt); err != nil {
		t.Fatalf("count: %v", err)
	}
	if cnt != n || maxID != n {
		t.Fatalf("expected %d gapless ids, got count=%d max=%d", n, cnt, maxID)
	}
}

func TestPostgresStore_RoomsAndHistory(t *testing.T) {
	t.Parallel()
	st, _, _ := mustMigratedStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := st.CreateRoom(ctx, 1, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := st.CreateRoom(ctx, 2, 1)
	if err != nil {
		t.Fatalf("create reversed: %v", err)
	}
	if a.RoomID != b.RoomID {
		t.Fatalf("expected one room per pair, got %d and %d", a.RoomID, b.RoomID)
	}

	rooms, err := st.ListRooms(ctx, 2)
	if err != nil || len(rooms) != 1 {
		t.Fatalf("list rooms: %v %+v", err, rooms)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			RoomID: a.RoomID, SenderProfileID: 1, ReceiverProfileID: 2,
			Content: fmt.Sprintf("m%d", i), Now: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := st.FetchHistory(ctx, FetchHistoryInput{RoomID: a.RoomID, PageNo: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m2" || page[1].Content != "m1" {
		t.Fatalf("unexpected page 1: %+v", page)
	}
	if !page[0].CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("createdAt not preserved: %v", page[0].CreatedAt)
	}

	if _, err := st.FetchHistory(ctx, FetchHistoryInput{RoomID: 987654}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := st.AppendMessage(ctx, AppendMessageInput{RoomID: 987654, SenderProfileID: 1, Content: "x"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	for _, s := range []string{"", "  ", "1abc", "a-b", `x"; DROP`} {
		if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema(s)); err == nil {
			t.Fatalf("expected error for schema %q", s)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

// ---- helpers ----

func mustMigratedStore(t *testing.T) (*PostgresStore, *pgxpool.Pool, string) {
	t.Helper()
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "tuitui_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// idempotent
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return st, pool, schema
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TUITUI_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TUITUI_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
