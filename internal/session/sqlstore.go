package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/sqlc-dev/pqtype"
)

// SQLStore keeps sessions in a relational database through database/sql.
//
// Queries are written to run unchanged on PostgreSQL (pgx stdlib driver) and
// SQLite (modernc.org/sqlite). Times are stored as unix milliseconds.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a store backed by db. The schema must already be
// migrated (see internal.RunMigrations).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const getSessionQuery = `
SELECT username, credentials, proxy_credentials, expires_at
FROM sessions
WHERE id = $1`

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	const op = "SQLStore.Get"

	var (
		username         string
		credentials      pqtype.NullRawMessage
		proxyCredentials pqtype.NullRawMessage
		expiresAt        sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, getSessionQuery, id).Scan(&username, &credentials, &proxyCredentials, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionInvalid
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load session")
	}

	sess := &domain.Session{Username: username}
	if credentials.Valid {
		sess.Credentials = json.RawMessage(credentials.RawMessage)
	}
	if proxyCredentials.Valid {
		sess.ProxyCredentials = json.RawMessage(proxyCredentials.RawMessage)
	}
	if expiresAt.Valid {
		expiry := time.UnixMilli(expiresAt.Int64)
		sess.ExpiryTime = &expiry
	}

	return sess, nil
}

const putSessionQuery = `
INSERT INTO sessions (id, username, credentials, proxy_credentials, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    username = excluded.username,
    credentials = excluded.credentials,
    proxy_credentials = excluded.proxy_credentials,
    expires_at = excluded.expires_at`

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, id string, sess *domain.Session) error {
	const op = "SQLStore.Put"

	var expiresAt sql.NullInt64
	if sess.ExpiryTime != nil {
		expiresAt = sql.NullInt64{Int64: sess.ExpiryTime.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, putSessionQuery,
		id,
		sess.Username,
		nullRawMessage(sess.Credentials),
		nullRawMessage(sess.ProxyCredentials),
		expiresAt,
		s.now().UnixMilli(),
	)
	if err != nil {
		return domain.Internal(err, op, "failed to store session")
	}
	return nil
}

// Delete implements Store. Deleting an unknown id is not an error.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	const op = "SQLStore.Delete"

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return domain.Internal(err, op, "failed to delete session")
	}
	return nil
}

// DeleteExpired implements ExpiredDeleter.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	const op = "SQLStore.DeleteExpired"

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to delete expired sessions")
	}
	return res.RowsAffected()
}

func nullRawMessage(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
