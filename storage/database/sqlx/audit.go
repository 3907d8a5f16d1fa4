package sqlxrepos

import (
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/edusafe/proctor/core"
)

type auditSink struct {
	db *sqlx.DB
}

var _ core.AuditSink = (*auditSink)(nil)

func NewAuditSink(db *sqlx.DB) *auditSink {
	return &auditSink{db: db}
}

func (sink *auditSink) Persist(event core.AuditEvent) error {
	_, err := sink.db.NamedExec(
		`INSERT INTO audit_event (kind, session_id, user_id, detail, at)
		 VALUES (:kind, :session_id, :user_id, :detail, :at)`,
		map[string]interface{}{
			"kind":       event.Kind,
			"session_id": event.SessionID,
			"user_id":    event.UserID,
			"detail":     event.Detail,
			"at":         event.At,
		},
	)
	return errors.Wrap(err, "inserting audit event")
}
