package exam

import (
	"expvar"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/notif"
	"github.com/edusafe/proctor/core/realtime"
)

var (
	// errors
	ErrSessionExists = errors.New("an active session with this id already exists")

	// state errors are silent no-ops for callers but still get counted
	noopOps = expvar.NewMap("monitor_noops")
)

const reasonDisconnected = "disconnected"

// Monitor owns the lifecycle of live exam sessions. It serializes mutations
// per session (each session carries its own lock) while keeping sessions
// independent of one another; the registry and the offline notification
// store are the only cross-session structures it touches.
type Monitor struct {
	reg    *realtime.Registry
	notif  *notif.Service
	policy *PolicyEngine
	audit  core.AuditSink
	mail   core.EmailService
	log    core.Logger
	conf   *core.Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMonitor(
	reg *realtime.Registry,
	notifSvc *notif.Service,
	policy *PolicyEngine,
	audit core.AuditSink,
	mailSvc core.EmailService,
	log core.Logger,
	conf *core.Config,
) *Monitor {
	return &Monitor{
		reg:      reg,
		notif:    notifSvc,
		policy:   policy,
		audit:    audit,
		mail:     mailSvc,
		log:      log,
		conf:     conf,
		sessions: make(map[string]*Session),
	}
}

// Start creates monitoring state for a new exam attempt and binds the owner's
// live exam connections into the session room. At most one active session may
// exist per id.
func (m *Monitor) Start(sessionID, userID, examID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return ErrSessionExists
	}
	sess := newSession(sessionID, userID, examID)
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	for _, c := range m.reg.UserConns(userID, realtime.ClassExam) {
		m.reg.JoinRoom(sess.Room(), c)
	}

	m.persist("session_started", sess, "")
	m.log.Info(fmt.Sprintf("exam: session %s started for user %s (exam %s)", sessionID, userID, examID))
	return nil
}

// UpdateProgress merges the payload into the session's last-known progress
// and fans the merged state out to the session room. Missing or terminal
// sessions make this a silent no-op.
func (m *Monitor) UpdateProgress(sessionID string, progress map[string]interface{}) {
	sess := m.get(sessionID)
	if sess == nil {
		m.noop("update_progress", sessionID)
		return
	}

	sess.mu.Lock()
	if sess.Status.Terminal() {
		sess.mu.Unlock()
		m.noop("update_progress", sessionID)
		return
	}
	for k, v := range progress {
		sess.Progress[k] = v
	}
	merged := make(map[string]interface{}, len(sess.Progress))
	for k, v := range sess.Progress {
		merged[k] = v
	}
	sess.mu.Unlock()

	m.reg.BroadcastRoom(realtime.NewExamProgress(sessionID, merged), sess.Room())
}

// ReportViolation runs one violation through the policy engine and carries
// out the resulting escalation.
func (m *Monitor) ReportViolation(sessionID string, typ ViolationType, detail string) {
	sess := m.get(sessionID)
	if sess == nil {
		m.noop("report_violation", sessionID)
		return
	}

	sess.mu.Lock()
	action := m.policy.Evaluate(sess, typ, detail)
	warnings := sess.WarningCount
	sess.mu.Unlock()

	m.persist("violation", sess, fmt.Sprintf("%s: %s (decision: %s)", typ, detail, action))

	switch action {
	case ActionWarn:
		m.warnOwner(sess, typ)
	case ActionAlert:
		m.log.Warn(fmt.Sprintf("exam: session %s reached warning %d, alerting reviewers", sessionID, warnings))
		m.reg.BroadcastRoom(
			realtime.NewExamViolation(sess.ID, sess.UserID, typ.Describe()),
			ObserversRoom(sess.ExamID),
		)
	case ActionTerminate:
		m.terminate(sess, "integrity violations exceeded the allowed limit: "+typ.Describe())
	}
}

// Submit completes the session normally and releases its resources. No
// termination notice is sent.
func (m *Monitor) Submit(sessionID string) {
	sess := m.get(sessionID)
	if sess == nil {
		m.noop("submit", sessionID)
		return
	}
	if !m.finish(sess, StatusCompleted) {
		m.noop("submit", sessionID)
		return
	}

	m.reg.Multicast(realtime.NewExamSubmitted(sess.ID, "Your exam has been submitted."), sess.UserID)
	m.persist("session_completed", sess, m.summary(sess))
	m.release(sess)
	m.log.Info(fmt.Sprintf("exam: session %s completed", sessionID))
}

// HandleDisconnect starts the reconnect grace window for a session whose
// owner dropped off. The session is not terminated yet; only an expired
// window does that. A window already running is left alone.
func (m *Monitor) HandleDisconnect(sessionID string) {
	sess := m.get(sessionID)
	if sess == nil {
		m.noop("handle_disconnect", sessionID)
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.Status.Terminal() || sess.graceTimer != nil {
		return
	}
	sess.graceSeq++
	seq := sess.graceSeq
	sess.graceTimer = time.AfterFunc(m.conf.Exam.GraceWindow, func() {
		m.expireGrace(sessionID, seq)
	})
	m.log.Info(fmt.Sprintf("exam: session %s disconnected, grace window %s started",
		sessionID, m.conf.Exam.GraceWindow))
}

// Resume cancels a pending grace window after a reconnect and rebinds the new
// connection into the session room. Reports whether the session is live.
func (m *Monitor) Resume(sessionID string, c realtime.Conn) bool {
	sess := m.get(sessionID)
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	if sess.Status.Terminal() {
		sess.mu.Unlock()
		return false
	}
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
		sess.graceSeq++ // invalidate a timer that already fired
		m.log.Info(fmt.Sprintf("exam: session %s resumed within grace window", sessionID))
	}
	sess.mu.Unlock()

	m.reg.JoinRoom(sess.Room(), c)
	return true
}

// ForceTerminate is the operator path to an immediate termination.
func (m *Monitor) ForceTerminate(sessionID, reason string) {
	sess := m.get(sessionID)
	if sess == nil {
		m.noop("force_terminate", sessionID)
		return
	}
	if reason == "" {
		reason = "terminated by the exam operator"
	}
	m.terminate(sess, reason)
}

// Snapshot returns a copy of the session's observable state.
func (m *Monitor) Snapshot(sessionID string) (SessionView, bool) {
	sess := m.get(sessionID)
	if sess == nil {
		return SessionView{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return SessionView{
		ID:           sess.ID,
		UserID:       sess.UserID,
		ExamID:       sess.ExamID,
		StartedAt:    sess.StartedAt,
		Status:       sess.Status,
		WarningCount: sess.WarningCount,
		Violations:   len(sess.Violations),
	}, true
}

// ActiveCount returns the number of sessions currently monitored.
func (m *Monitor) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Monitor) get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// finish performs the terminal transition. Exactly one caller wins even when
// a grace timer fires concurrently with another termination trigger.
func (m *Monitor) finish(sess *Session, status Status) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.Status.Terminal() {
		return false
	}
	sess.Status = status
	sess.EndedAt = time.Now().UTC()
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
		sess.graceSeq++
	}
	return true
}

func (m *Monitor) terminate(sess *Session, reason string) {
	if !m.finish(sess, StatusTerminated) {
		return
	}

	notice := realtime.NewExamTerminated(sess.ID, reason)
	if m.reg.Multicast(notice, sess.UserID) == 0 {
		m.notif.Notify(sess.UserID, realtime.TypeExamTerminated, "Exam terminated", reason,
			map[string]interface{}{"session_id": sess.ID})
	}
	m.notifyStaff(sess, reason)
	m.persist("session_terminated", sess, reason+"; "+m.summary(sess))
	m.release(sess)
	m.log.Warn(fmt.Sprintf("exam: session %s terminated: %s", sess.ID, reason))
}

func (m *Monitor) expireGrace(sessionID string, seq uint64) {
	sess := m.get(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	// a reconnect may have cancelled this window just as the timer fired
	if sess.graceTimer == nil || sess.graceSeq != seq {
		sess.mu.Unlock()
		return
	}
	sess.graceTimer = nil
	sess.mu.Unlock()

	m.terminate(sess, reasonDisconnected)
}

func (m *Monitor) release(sess *Session) {
	m.reg.CloseRoom(sess.Room())
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
}

func (m *Monitor) warnOwner(sess *Session, typ ViolationType) {
	warning := realtime.NewExamWarning(sess.ID, "Warning: "+typ.Describe())
	if m.reg.Multicast(warning, sess.UserID) == 0 {
		m.notif.Notify(sess.UserID, realtime.TypeExamWarning, "Exam warning", typ.Describe(),
			map[string]interface{}{"session_id": sess.ID})
	}
}

func (m *Monitor) notifyStaff(sess *Session, reason string) {
	if m.mail == nil || m.conf.StaffEmail == "" {
		return
	}
	m.mail.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Address: m.conf.StaffEmail}},
		Subject: "Exam session terminated",
		TextContent: fmt.Sprintf(
			"Session %s (user %s, exam %s) was terminated: %s",
			sess.ID, sess.UserID, sess.ExamID, reason,
		),
	})
}

func (m *Monitor) summary(sess *Session) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fmt.Sprintf("violations=%d warnings=%d duration=%s",
		len(sess.Violations), sess.WarningCount, sess.EndedAt.Sub(sess.StartedAt).Round(time.Millisecond))
}

func (m *Monitor) persist(kind string, sess *Session, detail string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Persist(core.AuditEvent{
		Kind:      kind,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
	if err != nil {
		// audit is best effort; the session must not suffer for it
		m.log.Error(fmt.Sprintf("exam: persisting %s audit event: %v", kind, err), err)
	}
}

func (m *Monitor) noop(op, sessionID string) {
	noopOps.Add(op, 1)
	m.log.Debug(fmt.Sprintf("exam: %s on missing or terminal session %s ignored", op, sessionID))
}
