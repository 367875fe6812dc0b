// Package pg persists sessions and audit events in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/session"
)

type Store struct {
	db *sql.DB
}

var (
	_ session.Store = (*Store)(nil)
	_ audit.Sink    = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Save upserts the session row. Called on every state transition; the row
// mirrors the in-memory registry, it is never the source of truth for
// liveness.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, user_id, state, created_at, last_active_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do update
		set state = excluded.state,
		    last_active_at = excluded.last_active_at,
		    expires_at = excluded.expires_at
	`, sess.ID, sess.UserID, string(sess.State), sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt)
	return err
}

// Append writes one audit event. Detail goes to a jsonb column.
func (s *Store) Append(ctx context.Context, ev *audit.Event) error {
	detail, err := ev.DetailJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events(id, user_id, kind, detail, created_at)
		values ($1,$2,$3,$4,$5)
	`, ev.ID, ev.UserID, string(ev.Kind), detail, ev.Timestamp)
	return err
}

// EventsByUser returns the user's audit trail, oldest first.
func (s *Store) EventsByUser(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, kind, detail, created_at
		from audit_events
		where user_id = $1
		order by created_at asc, id asc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var ev audit.Event
		var kind string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &kind, &detail, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = audit.Kind(kind)
		if err := ev.SetDetailJSON(detail); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
