package database

import (
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/edusafe/proctor/core"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_event (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT        NOT NULL,
	session_id TEXT        NOT NULL,
	user_id    TEXT        NOT NULL,
	detail     TEXT        NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_event_session_idx ON audit_event (session_id);
`

func Open(conf *core.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", conf.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err = ping(db); err != nil {
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sqlx.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// EnsureSchema creates the audit table when it does not exist yet.
func EnsureSchema(db *sqlx.DB) error {
	if _, err := db.Exec(auditSchema); err != nil {
		return errors.Wrap(err, "ensuring audit schema")
	}
	return nil
}
