package core

import "time"

type (
	// FrameClassifier is the perceptual analyzer port: it inspects a captured
	// frame and reports a violation type, or ok=false when the frame is clean.
	// Implementations must never panic; a failing backend reports no signal.
	FrameClassifier interface {
		Classify(frame []byte) (violationType string, ok bool)
	}

	// AuditEvent is one integrity-relevant occurrence destined for the audit log.
	AuditEvent struct {
		Kind      string // session_started, violation, session_terminated, ...
		SessionID string
		UserID    string
		Detail    string
		At        time.Time
	}

	// AuditSink persists audit events. Best effort: callers log failures and
	// move on; persistence must never block or break session handling.
	AuditSink interface {
		Persist(event AuditEvent) error
	}
)
