package exam

import (
	"time"

	"github.com/edusafe/proctor/core"
)

// Action is the escalation decision produced for one reported violation.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionAlert
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn-user"
	case ActionAlert:
		return "alert-reviewers"
	case ActionTerminate:
		return "terminate-session"
	default:
		return "no-action"
	}
}

// PolicyEngine accumulates violations on a session and decides when to
// escalate. Hard violations escalate on a single occurrence; soft ones only
// once they repeat up to the configured threshold. The warning count moves
// only on escalation decisions — raw violations never touch it — and once it
// hits the ceiling the decision is termination, regardless of which types
// contributed.
type PolicyEngine struct {
	softThreshold int
	warnCeiling   int
}

func NewPolicyEngine(conf core.ExamConfig) *PolicyEngine {
	softThreshold := conf.SoftViolationThreshold
	if softThreshold <= 0 {
		softThreshold = 5
	}
	warnCeiling := conf.WarningCeiling
	if warnCeiling <= 0 {
		warnCeiling = 3
	}
	return &PolicyEngine{softThreshold: softThreshold, warnCeiling: warnCeiling}
}

// Evaluate appends the violation record and returns the escalation action.
// Terminal sessions yield no further decisions. The caller must hold the
// session's lock.
func (e *PolicyEngine) Evaluate(sess *Session, typ ViolationType, detail string) Action {
	if sess.Status.Terminal() {
		return ActionNone
	}

	sess.Violations = append(sess.Violations, ViolationRecord{
		Type:   typ,
		Detail: detail,
		At:     time.Now().UTC(),
	})

	escalate := typ.Hard()
	if !escalate {
		sess.typeCounts[typ]++
		if sess.typeCounts[typ] >= e.softThreshold {
			// reset so the same type can escalate again later
			sess.typeCounts[typ] = 0
			escalate = true
		}
	}
	if !escalate {
		return ActionNone
	}

	sess.WarningCount++
	switch {
	case sess.WarningCount >= e.warnCeiling:
		return ActionTerminate
	case sess.WarningCount == e.warnCeiling-1:
		return ActionAlert
	default:
		return ActionWarn
	}
}
