package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/storage/dialect"
)

// Store is a SQL implementation of ports.SessionStore that supports multiple
// database dialects. Times are stored as unix nanoseconds so expiry
// comparisons are plain integer comparisons on every dialect.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.SessionStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	key := s.dialect.KeyType()
	text := s.dialect.TextType()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id ` + key + ` PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			revision BIGINT NOT NULL,
			intent ` + text + ` NOT NULL,
			completion ` + text + `,
			merged ` + text + `,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			seq ` + s.dialect.AutoIncrementClause() + `,
			event_id VARCHAR(64) NOT NULL,
			session_id ` + key + ` NOT NULL,
			kind VARCHAR(16) NOT NULL,
			ingested_at BIGINT NOT NULL,
			payload ` + text + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			session_id ` + key + ` PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			attempts INTEGER NOT NULL,
			classification ` + text + `,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON sessions(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

type sessionRow struct {
	ID          string         `db:"id"`
	Status      string         `db:"status"`
	Revision    int64          `db:"revision"`
	Intent      string         `db:"intent"`
	Completion  sql.NullString `db:"completion"`
	Merged      sql.NullString `db:"merged"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
	ExpiresAt   int64          `db:"expires_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
}

const sessionColumns = `id, status, revision, intent, completion, merged, created_at, updated_at, expires_at, completed_at`

func (r *sessionRow) toDomain() (*domain.CorrelationSession, error) {
	session := &domain.CorrelationSession{
		ID:        r.ID,
		Status:    domain.SessionStatus(r.Status),
		Revision:  r.Revision,
		CreatedAt: fromNanos(r.CreatedAt),
		UpdatedAt: fromNanos(r.UpdatedAt),
		ExpiresAt: fromNanos(r.ExpiresAt),
	}

	var intent domain.IntentPayload
	if err := json.Unmarshal([]byte(r.Intent), &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
	}
	session.IntentSnapshot = &intent

	if r.Completion.Valid {
		var completion domain.CompletionPayload
		if err := json.Unmarshal([]byte(r.Completion.String), &completion); err != nil {
			return nil, fmt.Errorf("failed to unmarshal completion: %w", err)
		}
		session.CompletionSnapshot = &completion
	}
	if r.Merged.Valid {
		var merged domain.MergedRecord
		if err := json.Unmarshal([]byte(r.Merged.String), &merged); err != nil {
			return nil, fmt.Errorf("failed to unmarshal merged record: %w", err)
		}
		session.MergedRecord = &merged
	}
	if r.CompletedAt.Valid {
		t := fromNanos(r.CompletedAt.Int64)
		session.CompletedAt = &t
	}
	return session, nil
}

func (s *Store) getSession(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.CorrelationSession, error) {
	var row sessionRow
	query := s.dialect.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toDomain()
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CorrelationSession, error) {
	return s.getSession(ctx, s.db, id)
}

func (s *Store) CreateOrReplacePending(ctx context.Context, session *domain.CorrelationSession, entry *domain.EventLogEntry) (bool, error) {
	intent, err := json.Marshal(session.IntentSnapshot)
	if err != nil {
		return false, fmt.Errorf("failed to marshal intent: %w", err)
	}
	now := toNanos(session.UpdatedAt)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getSession(ctx, tx, session.ID)
	replaced := false
	switch {
	case errors.Is(err, ports.ErrNotFound):
		query := s.dialect.Rebind(`INSERT INTO sessions (id, status, revision, intent, created_at, updated_at, expires_at)
			VALUES (?, ?, 1, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query, session.ID, string(domain.SessionPending), string(intent),
			toNanos(session.CreatedAt), now, toNanos(session.ExpiresAt)); err != nil {
			return false, fmt.Errorf("failed to insert session: %w", err)
		}
		session.Revision = 1
	case err != nil:
		return false, err
	case existing.Status == domain.SessionCompleted:
		return false, ports.ErrAlreadyCompleted
	case existing.IsExpiredAt(session.UpdatedAt):
		return false, ports.ErrExpired
	default:
		query := s.dialect.Rebind(`UPDATE sessions SET intent = ?, revision = revision + 1, updated_at = ?, expires_at = ?
			WHERE id = ? AND status = ? AND revision = ? AND expires_at > ?`)
		res, err := tx.ExecContext(ctx, query, string(intent), now, toNanos(session.ExpiresAt),
			session.ID, string(domain.SessionPending), existing.Revision, now)
		if err != nil {
			return false, fmt.Errorf("failed to replace intent: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, ports.ErrRevisionChanged
		}
		session.Revision = existing.Revision + 1
		session.CreatedAt = existing.CreatedAt
		replaced = true
	}

	if err := s.appendEvent(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return replaced, nil
}

func (s *Store) CompareAndComplete(ctx context.Context, params ports.CompleteParams) (*domain.CorrelationSession, error) {
	completion, err := json.Marshal(params.Completion)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion: %w", err)
	}
	merged, err := json.Marshal(params.Merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged record: %w", err)
	}
	now := toNanos(params.Now)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(`UPDATE sessions
		SET status = ?, revision = revision + 1, completion = ?, merged = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND revision = ? AND expires_at > ?`)
	res, err := tx.ExecContext(ctx, query,
		string(domain.SessionCompleted), string(completion), string(merged), now, now,
		params.SessionID, string(domain.SessionPending), params.ExpectedRevision, now)
	if err != nil {
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return nil, s.completeMiss(ctx, tx, params)
	}

	if err := s.appendEvent(ctx, tx, params.Entry); err != nil {
		return nil, err
	}
	session, err := s.getSession(ctx, tx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return session, nil
}

// completeMiss explains why the conditional update matched no row.
func (s *Store) completeMiss(ctx context.Context, tx *sqlx.Tx, params ports.CompleteParams) error {
	current, err := s.getSession(ctx, tx, params.SessionID)
	if err != nil {
		return err
	}
	switch {
	case current.Status == domain.SessionCompleted:
		return ports.ErrAlreadyCompleted
	case current.IsExpiredAt(params.Now):
		return ports.ErrExpired
	default:
		return ports.ErrRevisionChanged
	}
}

func (s *Store) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	query := s.dialect.Rebind(`UPDATE sessions SET status = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(domain.SessionExpired), toNanos(now), id, string(domain.SessionPending), toNanos(now))
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *Store) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	query := s.dialect.Rebind(`UPDATE sessions SET status = ?, revision = revision + 1, updated_at = ?
		WHERE status = ? AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(domain.SessionExpired), toNanos(now), string(domain.SessionPending), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c := toNanos(cutoff)
	children := []string{
		`DELETE FROM session_events WHERE session_id IN (SELECT id FROM sessions WHERE expires_at < ?)`,
		`DELETE FROM deliveries WHERE session_id IN (SELECT id FROM sessions WHERE expires_at < ?)`,
	}
	for _, stmt := range children {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(stmt), c); err != nil {
			return 0, fmt.Errorf("failed to purge session children: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM sessions WHERE expires_at < ?`), c)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

type eventRow struct {
	Seq        int64  `db:"seq"`
	EventID    string `db:"event_id"`
	SessionID  string `db:"session_id"`
	Kind       string `db:"kind"`
	IngestedAt int64  `db:"ingested_at"`
	Payload    string `db:"payload"`
}

func (s *Store) appendEvent(ctx context.Context, tx *sqlx.Tx, entry *domain.EventLogEntry) error {
	if entry == nil {
		return nil
	}
	query := s.dialect.Rebind(`INSERT INTO session_events (event_id, session_id, kind, ingested_at, payload)
		VALUES (?, ?, ?, ?, ?)`)
	res, err := tx.ExecContext(ctx, query,
		entry.EventID, entry.SessionID, string(entry.Kind), toNanos(entry.IngestedAt), string(entry.Payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	// Postgres drivers do not implement LastInsertId; the log order is still
	// preserved by the sequence column.
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, id string) ([]*domain.EventLogEntry, error) {
	var rows []eventRow
	query := s.dialect.Rebind(`SELECT seq, event_id, session_id, kind, ingested_at, payload
		FROM session_events WHERE session_id = ? ORDER BY seq ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	entries := make([]*domain.EventLogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, &domain.EventLogEntry{
			Seq:        r.Seq,
			EventID:    r.EventID,
			SessionID:  r.SessionID,
			Kind:       domain.EventKind(r.Kind),
			IngestedAt: fromNanos(r.IngestedAt),
			Payload:    json.RawMessage(r.Payload),
		})
	}
	return entries, nil
}

type deliveryRow struct {
	SessionID      string         `db:"session_id"`
	EventID        string         `db:"event_id"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	Classification sql.NullString `db:"classification"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (s *Store) RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	var classification sql.NullString
	if rec.Classification != nil {
		data, err := json.Marshal(rec.Classification)
		if err != nil {
			return fmt.Errorf("failed to marshal classification: %w", err)
		}
		classification = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := s.GetSession(ctx, rec.SessionID); err != nil {
		return err
	}

	query := s.dialect.Rebind(`INSERT INTO deliveries (session_id, event_id, status, attempts, classification, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("session_id", []string{"event_id", "status", "attempts", "classification", "updated_at"}))
	if _, err := s.db.ExecContext(ctx, query, rec.SessionID, rec.EventID, string(rec.Status),
		rec.Attempts, classification, toNanos(rec.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (s *Store) ClaimDelivery(ctx context.Context, rec *domain.DeliveryRecord, staleBefore time.Time) (bool, error) {
	if _, err := s.GetSession(ctx, rec.SessionID); err != nil {
		return false, err
	}

	update := s.dialect.Rebind(`UPDATE deliveries
		SET event_id = ?, status = ?, attempts = ?, classification = NULL, updated_at = ?
		WHERE session_id = ? AND (status = ? OR (status = ? AND updated_at < ?))`)
	res, err := s.db.ExecContext(ctx, update, rec.EventID, string(rec.Status), rec.Attempts,
		toNanos(rec.UpdatedAt), rec.SessionID,
		string(domain.DeliveryFailed), string(domain.DeliveryQueued), toNanos(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 1 {
		return true, nil
	}

	insert := s.dialect.Rebind(`INSERT INTO deliveries (session_id, event_id, status, attempts, classification, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?) ` + s.dialect.UpsertClause("session_id", nil))
	res, err = s.db.ExecContext(ctx, insert, rec.SessionID, rec.EventID, string(rec.Status),
		rec.Attempts, toNanos(rec.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetDelivery(ctx context.Context, sessionID string) (*domain.DeliveryRecord, error) {
	var row deliveryRow
	query := s.dialect.Rebind(`SELECT session_id, event_id, status, attempts, classification, updated_at
		FROM deliveries WHERE session_id = ?`)
	err := s.db.GetContext(ctx, &row, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", sessionID, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}

	rec := &domain.DeliveryRecord{
		SessionID: row.SessionID,
		EventID:   row.EventID,
		Status:    domain.DeliveryStatus(row.Status),
		Attempts:  row.Attempts,
		UpdatedAt: fromNanos(row.UpdatedAt),
	}
	if row.Classification.Valid {
		var c domain.ErrorClassification
		if err := json.Unmarshal([]byte(row.Classification.String), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal classification: %w", err)
		}
		rec.Classification = &c
	}
	return rec, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
