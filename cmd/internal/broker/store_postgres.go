package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-room transactional advisory lock, so chat_content_id is strictly
//     monotonic per room without gaps.
//   - Room creation takes a per-pair advisory lock, so a pair never gets two rooms.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tuitui").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("broker: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("broker: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "tuitui"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("broker: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema objects the store needs. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	rooms := pgIdent(s.schema, "chat_rooms")
	cursors := pgIdent(s.schema, "chat_room_cursors")
	contents := pgIdent(s.schema, "chat_contents")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  room_id          BIGSERIAL PRIMARY KEY,
  host_profile_id  BIGINT NOT NULL CHECK (host_profile_id > 0),
  guest_profile_id BIGINT NOT NULL CHECK (guest_profile_id > 0),
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_chat_rooms_distinct CHECK (host_profile_id <> guest_profile_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_chat_rooms_pair
  ON %s (LEAST(host_profile_id, guest_profile_id), GREATEST(host_profile_id, guest_profile_id));

CREATE TABLE IF NOT EXISTS %s (
  room_id    BIGINT PRIMARY KEY REFERENCES %s(room_id) ON DELETE CASCADE,
  next_id    BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  room_id             BIGINT NOT NULL REFERENCES %s(room_id) ON DELETE CASCADE,
  chat_content_id     BIGINT NOT NULL,
  sender_profile_id   BIGINT NOT NULL,
  receiver_profile_id BIGINT NOT NULL,
  content             TEXT NOT NULL,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (room_id, chat_content_id),
  CONSTRAINT chk_chat_contents_len CHECK (char_length(content) > 0 AND char_length(content) <= %d)
);
`, pgx.Identifier{s.schema}.Sanitize(), rooms, rooms, cursors, rooms, contents, rooms, maxContentChars)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateRoom returns the room of the pair, creating it on first use.
func (s *PostgresStore) CreateRoom(ctx context.Context, hostProfileID, guestProfileID int64) (Room, error) {
	if err := validPair(hostProfileID, guestProfileID); err != nil {
		return Room{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "chat_rooms")
	cursors := pgIdent(s.schema, "chat_room_cursors")

	key := pairKey(hostProfileID, guestProfileID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		fmt.Sprintf("chat_room_pair:%d:%d", key[0], key[1])); err != nil {
		return Room{}, fmt.Errorf("advisory lock: %w", err)
	}

	var r Room
	err = tx.QueryRow(ctx,
		`SELECT room_id, host_profile_id, guest_profile_id, created_at
		   FROM `+rooms+`
		  WHERE LEAST(host_profile_id, guest_profile_id) = $1
		    AND GREATEST(host_profile_id, guest_profile_id) = $2`,
		key[0], key[1],
	).Scan(&r.RoomID, &r.HostProfileID, &r.GuestProfileID, &r.CreatedAt)
	if err == nil {
		return r, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Room{}, err
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO `+rooms+` (host_profile_id, guest_profile_id) VALUES ($1, $2)
		 RETURNING room_id, host_profile_id, guest_profile_id, created_at`,
		hostProfileID, guestProfileID,
	).Scan(&r.RoomID, &r.HostProfileID, &r.GuestProfileID, &r.CreatedAt); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+cursors+` (room_id, next_id) VALUES ($1, 1)`, r.RoomID); err != nil {
		return Room{}, fmt.Errorf("insert cursor: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// ListRooms returns the rooms profileID takes part in, by room id.
func (s *PostgresStore) ListRooms(ctx context.Context, profileID int64) ([]Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id, host_profile_id, guest_profile_id, created_at
		   FROM `+pgIdent(s.schema, "chat_rooms")+`
		  WHERE host_profile_id = $1 OR guest_profile_id = $1
		  ORDER BY room_id ASC`,
		profileID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Room, error) {
		var r Room
		err := row.Scan(&r.RoomID, &r.HostProfileID, &r.GuestProfileID, &r.CreatedAt)
		r.CreatedAt = r.CreatedAt.UTC()
		return r, err
	})
}

// AppendMessage persists a message and allocates its chat_content_id.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if err := validAppend(in); err != nil {
		return StoredMessage{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return StoredMessage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "chat_room_cursors")
	contents := pgIdent(s.schema, "chat_contents")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		fmt.Sprintf("chat_room:%d", in.RoomID)); err != nil {
		return StoredMessage{}, fmt.Errorf("advisory lock: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_id = next_id + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_id - 1)`,
		in.RoomID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, ErrRoomNotFound
	}
	if err != nil {
		return StoredMessage{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+contents+` (
		     room_id, chat_content_id, sender_profile_id, receiver_profile_id, content, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		in.RoomID, id, in.SenderProfileID, in.ReceiverProfileID, in.Content, now,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return StoredMessage{}, err
	}

	return StoredMessage{
		ChatContentID:     id,
		RoomID:            in.RoomID,
		SenderProfileID:   in.SenderProfileID,
		ReceiverProfileID: in.ReceiverProfileID,
		Content:           in.Content,
		CreatedAt:         now.UTC(),
	}, nil
}

// FetchHistory returns one page, newest first.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) ([]StoredMessage, error) {
	in = in.normalized()

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "chat_rooms")+` WHERE room_id = $1)`,
		in.RoomID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chat_content_id, room_id, sender_profile_id, receiver_profile_id, content, created_at
		   FROM `+pgIdent(s.schema, "chat_contents")+`
		  WHERE room_id = $1
		  ORDER BY chat_content_id DESC
		  LIMIT $2 OFFSET $3`,
		in.RoomID, in.PageSize, in.PageNo*in.PageSize,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredMessage, error) {
		var m StoredMessage
		err := row.Scan(&m.ChatContentID, &m.RoomID, &m.SenderProfileID, &m.ReceiverProfileID, &m.Content, &m.CreatedAt)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
