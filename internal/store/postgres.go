package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'awaiting_connect',
			exit_code INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, command, state, exit_code, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.Command, sess.State, sess.ExitCode, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, state, exit_code, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Command, &sess.State, &sess.ExitCode, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, state, exit_code, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, state, exit_code, created_at, updated_at
		 FROM sessions WHERE state != 'terminated' ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, id, state string, exitCode *int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = $1, exit_code = COALESCE($2, exit_code), updated_at = NOW() WHERE id = $3`,
		state, exitCode, id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

func (s *PostgresStore) SetSessionCommand(ctx context.Context, id, command string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET command = $1, updated_at = NOW() WHERE id = $2`,
		command, id,
	)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	detail := []byte("null")
	if len(ev.Detail) > 0 {
		detail = ev.Detail
	}
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (id, session_id, seq, type, detail, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE session_id = $2), $3, $4, $5)
		 RETURNING seq`,
		ev.ID, ev.SessionID, ev.Type, detail, ev.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, type, COALESCE(detail::TEXT, ''), created_at
		 FROM events WHERE session_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		var detail string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Type, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" && detail != "null" {
			ev.Detail = []byte(detail)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE state = 'terminated' AND updated_at < $1`, before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
