// ABOUTME: SQLite implementation of the DataStore interface using modernc.org/sqlite
// ABOUTME: Append-only row history with optimistic-concurrency save protocol

package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/botstate/internal/codec"
)

// SQLiteStore implements the DataStore interface using SQLite.
//
// Rows are append-only by default: a scope may accumulate multiple rows,
// and the current value is the one with the greatest (ts, id). Stale rows
// are inert history until compacted.
type SQLiteStore struct {
	db     *sql.DB
	codec  codec.Codec
	strict bool
	logger *slog.Logger
}

// Option configures a SQLiteStore at construction time.
type Option func(*SQLiteStore)

// WithStrictConcurrency enables true compare-and-swap semantics: a save
// carrying a specific eTag fails with ErrConcurrencyConflict when the
// stored row's eTag differs, instead of trusting the caller's version.
func WithStrictConcurrency() Option {
	return func(s *SQLiteStore) { s.strict = true }
}

// WithCodec replaces the payload codec. The default is gzip-compressed JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *SQLiteStore) { s.codec = c }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "state")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Serialize writers from concurrent turn workers instead of failing fast
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		codec:  codec.GzipJSON{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite state store initialized", "path", path, "strict", s.strict)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS state_records (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			store_type      TEXT NOT NULL,
			bot_id          TEXT,
			channel_id      TEXT NOT NULL,
			conversation_id TEXT,
			user_id         TEXT,
			payload         BLOB NOT NULL,
			etag            TEXT NOT NULL,
			service_url     TEXT,
			ts              TEXT NOT NULL,

			CHECK (store_type IN ('user', 'conversation', 'private_conversation'))
		);

		CREATE INDEX IF NOT EXISTS idx_state_conversation
			ON state_records(store_type, channel_id, conversation_id);
		CREATE INDEX IF NOT EXISTS idx_state_private
			ON state_records(store_type, channel_id, conversation_id, user_id);
		CREATE INDEX IF NOT EXISTS idx_state_user
			ON state_records(store_type, channel_id, user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite state store")
	return s.db.Close()
}

// scopePredicate builds the WHERE fragment that locates rows for the given
// store type, per-scope. The store_type filter itself is included.
func scopePredicate(st StoreType, addr Address) (string, []any, error) {
	values, err := st.scopeFields(addr)
	if err != nil {
		return "", nil, err
	}

	var cols []string
	switch st {
	case ConversationData:
		cols = []string{"channel_id", "conversation_id"}
	case UserData:
		cols = []string{"channel_id", "user_id"}
	case PrivateConversationData:
		cols = []string{"channel_id", "conversation_id", "user_id"}
	}

	where := "store_type = ?"
	args := []any{string(st)}
	for i, col := range cols {
		where += " AND " + col + " = ?"
		args = append(args, values[i])
	}
	return where, args, nil
}

// Load retrieves the current record for (addr, st).
// A scope with no stored row is not an error: the result is {nil, ""}.
func (s *SQLiteStore) Load(ctx context.Context, addr Address, st StoreType) (*DataRecord, error) {
	where, args, err := scopePredicate(st, addr)
	if err != nil {
		storeOps.WithLabelValues("load", "error").Inc()
		return nil, err
	}

	query := `
		SELECT payload, etag
		FROM state_records
		WHERE ` + where + `
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`

	var payload []byte
	var etag string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&payload, &etag)

	if err == sql.ErrNoRows {
		storeOps.WithLabelValues("load", "ok").Inc()
		return &DataRecord{}, nil
	}
	if err != nil {
		storeOps.WithLabelValues("load", "error").Inc()
		return nil, classify("querying state record", err)
	}

	data, err := s.codec.Decode(payload)
	if err != nil {
		storeOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("%w: decoding payload: %w", ErrStorageUnavailable, err)
	}

	storeOps.WithLabelValues("load", "ok").Inc()
	return &DataRecord{Data: data, ETag: etag}, nil
}

// Save persists rec at the scope identified by (addr, st) under the
// optimistic-concurrency protocol:
//
//   - Empty eTag: the scope was never saved; insert a new row. Two racing
//     first-writers both insert, and the later timestamp wins on the next
//     read.
//   - ETagAny: re-resolve the current row and overwrite it (or insert when
//     none exists), ignoring whatever version is stored. Nil data deletes.
//   - Specific eTag: re-resolve and overwrite in place, recreating the row
//     if it was concurrently deleted. Nil data deletes. In strict mode the
//     stored eTag must match rec.ETag or the save fails with
//     ErrConcurrencyConflict.
//
// The lookup and mutation run in one transaction; a failed save has no
// partial effect. On success rec.ETag is updated to the newly assigned
// tag, or cleared after a delete.
func (s *SQLiteStore) Save(ctx context.Context, addr Address, st StoreType, rec *DataRecord) error {
	if rec == nil {
		return fmt.Errorf("record must not be nil")
	}

	where, args, err := scopePredicate(st, addr)
	if err != nil {
		storeOps.WithLabelValues("save", "error").Inc()
		return err
	}

	err = s.saveTx(ctx, addr, st, rec, where, args)
	if err != nil {
		storeOps.WithLabelValues("save", "error").Inc()
		return err
	}
	storeOps.WithLabelValues("save", "ok").Inc()
	return nil
}

func (s *SQLiteStore) saveTx(ctx context.Context, addr Address, st StoreType, rec *DataRecord, where string, whereArgs []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("beginning save transaction", err)
	}
	defer tx.Rollback()

	// Never-saved branch: insert without resolving, racing inserts are
	// resolved by timestamp order on the next read.
	if rec.ETag == "" {
		if rec.Data == nil {
			// Nothing stored and nothing to store.
			return nil
		}
		newTag, err := s.insertRow(ctx, tx, addr, st, rec.Data)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return classify("committing save", err)
		}
		rec.ETag = newTag
		s.logger.Debug("inserted state record", "store_type", st, "channel", addr.ChannelID, "etag", newTag)
		return nil
	}

	// Force and optimistic branches both re-resolve the current row.
	query := `
		SELECT id, etag
		FROM state_records
		WHERE ` + where + `
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`
	var rowID int64
	var storedTag string
	err = tx.QueryRowContext(ctx, query, whereArgs...).Scan(&rowID, &storedTag)
	found := true
	if err == sql.ErrNoRows {
		found = false
	} else if err != nil {
		return classify("resolving current state record", err)
	}

	if s.strict && rec.ETag != ETagAny && found && storedTag != rec.ETag {
		return fmt.Errorf("%w: stored etag %s does not match %s", ErrConcurrencyConflict, storedTag, rec.ETag)
	}

	var newTag string
	switch {
	case rec.Data == nil && found:
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_records WHERE id = ?`, rowID); err != nil {
			return classify("deleting state record", err)
		}
		s.logger.Debug("deleted state record", "store_type", st, "channel", addr.ChannelID)

	case rec.Data == nil:
		// Delete with no current row is a no-op.

	case found:
		payload, err := s.codec.Encode(rec.Data)
		if err != nil {
			return fmt.Errorf("%w: encoding payload: %w", ErrStorageUnavailable, err)
		}
		newTag = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			UPDATE state_records
			SET payload = ?, service_url = ?, etag = ?, ts = ?
			WHERE id = ?
		`, payload, addr.ServiceURL, newTag, timestamp(), rowID)
		if err != nil {
			return classify("updating state record", err)
		}
		s.logger.Debug("updated state record", "store_type", st, "channel", addr.ChannelID, "etag", newTag)

	default:
		// Row vanished since the caller's load; recreate it.
		newTag, err = s.insertRow(ctx, tx, addr, st, rec.Data)
		if err != nil {
			return err
		}
		s.logger.Debug("recreated state record", "store_type", st, "channel", addr.ChannelID, "etag", newTag)
	}

	if err := tx.Commit(); err != nil {
		return classify("committing save", err)
	}
	rec.ETag = newTag
	return nil
}

// insertRow appends a fresh row for the scope and returns its eTag.
func (s *SQLiteStore) insertRow(ctx context.Context, tx *sql.Tx, addr Address, st StoreType, data any) (string, error) {
	payload, err := s.codec.Encode(data)
	if err != nil {
		return "", fmt.Errorf("%w: encoding payload: %w", ErrStorageUnavailable, err)
	}

	newTag := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_records (store_type, bot_id, channel_id, conversation_id, user_id, payload, etag, service_url, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(st), addr.BotID, addr.ChannelID, addr.ConversationID, addr.UserID, payload, newTag, addr.ServiceURL, timestamp())
	if err != nil {
		return "", classify("inserting state record", err)
	}
	return newTag, nil
}

// Flush is a no-op: every save commits synchronously.
func (s *SQLiteStore) Flush(ctx context.Context, addr Address) (bool, error) {
	return true, nil
}

// tsLayout is RFC3339 with a fixed-width nanosecond fraction. The fixed
// width keeps lexicographic ordering in SQL identical to chronological
// ordering; RFC3339Nano trims trailing zeros and does not sort correctly
// as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timestamp returns the server-assigned row timestamp. Nanosecond precision
// plus the rowid tiebreak keeps row history ordering non-decreasing.
func timestamp() string {
	return time.Now().UTC().Format(tsLayout)
}

// StateRow is one entry of a scope's append-only row history.
type StateRow struct {
	ID         int64
	ETag       string
	ServiceURL string
	Timestamp  time.Time
	Data       any
}

// History returns every stored row for (addr, st), newest first. The first
// entry is the current value; the rest are inert history left behind by
// racing first-writers.
func (s *SQLiteStore) History(ctx context.Context, addr Address, st StoreType) ([]*StateRow, error) {
	where, args, err := scopePredicate(st, addr)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, payload, etag, service_url, ts
		FROM state_records
		WHERE ` + where + `
		ORDER BY ts DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("querying state history", err)
	}
	defer rows.Close()

	var history []*StateRow
	for rows.Next() {
		var row StateRow
		var payload []byte
		var serviceURL sql.NullString
		var tsStr string

		if err := rows.Scan(&row.ID, &payload, &row.ETag, &serviceURL, &tsStr); err != nil {
			return nil, classify("scanning history row", err)
		}

		row.Timestamp, err = time.Parse(tsLayout, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing row timestamp: %w", err)
		}
		if serviceURL.Valid {
			row.ServiceURL = serviceURL.String
		}

		row.Data, err = s.codec.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding history payload: %w", err)
		}

		history = append(history, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterating history rows", err)
	}
	return history, nil
}

// CompactScope deletes every row for (addr, st) except the current one and
// returns the number of rows removed. Stale rows never affect reads, so
// compaction is housekeeping, not correctness.
func (s *SQLiteStore) CompactScope(ctx context.Context, addr Address, st StoreType) (int64, error) {
	where, args, err := scopePredicate(st, addr)
	if err != nil {
		return 0, err
	}

	query := `
		DELETE FROM state_records
		WHERE ` + where + `
		AND id NOT IN (
			SELECT id FROM state_records
			WHERE ` + where + `
			ORDER BY ts DESC, id DESC
			LIMIT 1
		)
	`

	result, err := s.db.ExecContext(ctx, query, append(append([]any{}, args...), args...)...)
	if err != nil {
		return 0, classify("compacting scope", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, classify("getting rows affected", err)
	}
	if removed > 0 {
		s.logger.Debug("compacted scope", "store_type", st, "channel", addr.ChannelID, "removed", removed)
	}
	return removed, nil
}

// Ensure SQLiteStore implements DataStore interface
var _ DataStore = (*SQLiteStore)(nil)
