package exam

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/notif"
	"github.com/edusafe/proctor/core/realtime"
	dummydb "github.com/edusafe/proctor/storage/database/dummy"
)

type fakeConn struct {
	id     string
	userID string
	class  realtime.ConnClass

	mu   sync.Mutex
	sent []interface{}
	fail bool
}

var _ realtime.Conn = (*fakeConn)(nil)

func newFakeConn(id, userID string, class realtime.ConnClass) *fakeConn {
	return &fakeConn{id: id, userID: userID, class: class}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Class() realtime.ConnClass { return c.class }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("gone")
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) received() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.sent...)
}

func (c *fakeConn) lastOfType(typ string) interface{} {
	var last interface{}
	for _, v := range c.received() {
		switch msg := v.(type) {
		case realtime.ExamWarningMessage:
			if msg.Type == typ {
				last = msg
			}
		case realtime.ExamViolationMessage:
			if msg.Type == typ {
				last = msg
			}
		case realtime.ExamTerminatedMessage:
			if msg.Type == typ {
				last = msg
			}
		case realtime.ExamSubmittedMessage:
			if msg.Type == typ {
				last = msg
			}
		case realtime.ExamProgressMessage:
			if msg.Type == typ {
				last = msg
			}
		}
	}
	return last
}

type mailRecorder struct {
	mu   sync.Mutex
	sent []core.EmailMessage
}

var _ core.EmailService = (*mailRecorder)(nil)

func (m *mailRecorder) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		m.sent = append(m.sent, *msg)
	}
}

func (m *mailRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type monitorDeps struct {
	monitor *Monitor
	reg     *realtime.Registry
	notif   *notif.Service
	sink    *dummydb.AuditSink
	mail    *mailRecorder
}

func newTestMonitor(t *testing.T, graceWindow time.Duration) monitorDeps {
	t.Helper()
	conf := &core.Config{
		StaffEmail: "staff@test.test",
		Exam: core.ExamConfig{
			SoftViolationThreshold: 5,
			WarningCeiling:         3,
			GraceWindow:            graceWindow,
		},
		Notif: core.NotifConfig{
			QueueCapacity: 10,
			QueueTTL:      time.Hour,
			PruneInterval: time.Minute,
		},
	}
	logger := core.NopLogger{}
	reg := realtime.NewRegistry(logger)
	notifSvc := notif.NewService(reg, logger, conf)
	sink := dummydb.NewAuditSink()
	mailRec := &mailRecorder{}
	monitor := NewMonitor(reg, notifSvc, NewPolicyEngine(conf.Exam), sink, mailRec, logger, conf)
	return monitorDeps{monitor: monitor, reg: reg, notif: notifSvc, sink: sink, mail: mailRec}
}

func TestMonitorStartDuplicate(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)

	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))
	assert.Equal(t, ErrSessionExists, deps.monitor.Start("s1", "u2", "e2"))
	assert.Equal(t, 1, deps.monitor.ActiveCount())
}

// Full lifecycle: start, progress, repeated soft violations escalating at the
// threshold, then a normal submit. Later mutations are no-ops.
func TestMonitorScenarioSubmit(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)
	conn := newFakeConn("c1", "u1", realtime.ClassExam)
	deps.reg.Register(conn)

	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))
	assert.Equal(t, 1, deps.reg.RoomSize(SessionRoom("s1")))

	deps.monitor.UpdateProgress("s1", map[string]interface{}{"q1": "a"})
	deps.monitor.UpdateProgress("s1", map[string]interface{}{"q2": "b"})

	progress, _ := deps.monitor.Snapshot("s1")
	assert.Equal(t, StatusActive, progress.Status)
	msg := conn.lastOfType(realtime.TypeExamProgress)
	if assert.NotNil(t, msg) {
		merged := msg.(realtime.ExamProgressMessage).Progress
		assert.Equal(t, "a", merged["q1"]) // progress merges, older keys survive
		assert.Equal(t, "b", merged["q2"])
	}

	for i := 0; i < 6; i++ {
		deps.monitor.ReportViolation("s1", ViolationFocusLost, "window blur")
	}
	view, ok := deps.monitor.Snapshot("s1")
	assert.True(t, ok)
	assert.Equal(t, 1, view.WarningCount) // escalated once, at the 5th occurrence
	assert.Equal(t, 6, view.Violations)
	assert.NotNil(t, conn.lastOfType(realtime.TypeExamWarning))

	deps.monitor.Submit("s1")
	assert.NotNil(t, conn.lastOfType(realtime.TypeExamSubmitted))
	assert.Nil(t, conn.lastOfType(realtime.TypeExamTerminated))
	assert.Equal(t, 0, deps.monitor.ActiveCount())
	assert.Equal(t, 0, deps.reg.RoomSize(SessionRoom("s1")))
	assert.Len(t, deps.sink.ByKind("session_completed"), 1)

	// the session is gone; further mutations change nothing
	violations := len(deps.sink.ByKind("violation"))
	deps.monitor.ReportViolation("s1", ViolationMultiplePresences, "after submit")
	deps.monitor.Submit("s1")
	assert.Len(t, deps.sink.ByKind("violation"), violations)
	assert.Len(t, deps.sink.ByKind("session_completed"), 1)
}

func TestMonitorTerminatesAtWarningCeiling(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)
	owner := newFakeConn("c1", "u1", realtime.ClassExam)
	observer := newFakeConn("c2", "rev1", realtime.ClassAdmin)
	deps.reg.Register(owner)
	deps.reg.Register(observer)
	deps.reg.JoinRoom(ObserversRoom("e1"), observer)

	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))

	// hard violations escalate on every occurrence
	deps.monitor.ReportViolation("s1", ViolationMultiplePresences, "1st")
	assert.NotNil(t, owner.lastOfType(realtime.TypeExamWarning))

	deps.monitor.ReportViolation("s1", ViolationMultiplePresences, "2nd")
	assert.NotNil(t, observer.lastOfType(realtime.TypeExamViolation))

	deps.monitor.ReportViolation("s1", ViolationMultiplePresences, "3rd")
	terminated := owner.lastOfType(realtime.TypeExamTerminated)
	if assert.NotNil(t, terminated) {
		assert.Contains(t, terminated.(realtime.ExamTerminatedMessage).Reason, "exceeded the allowed limit")
	}
	assert.Equal(t, 0, deps.monitor.ActiveCount())
	assert.Len(t, deps.sink.ByKind("session_terminated"), 1)
	assert.Equal(t, 1, deps.mail.count()) // staff notice
}

func TestMonitorTerminalMutationsAreNoops(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)
	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))

	deps.monitor.ForceTerminate("s1", "caught on camera")
	assert.Len(t, deps.sink.ByKind("session_terminated"), 1)

	deps.monitor.ForceTerminate("s1", "again")
	deps.monitor.UpdateProgress("s1", map[string]interface{}{"q1": "a"})
	deps.monitor.Submit("s1")

	assert.Len(t, deps.sink.ByKind("session_terminated"), 1)
	assert.Empty(t, deps.sink.ByKind("session_completed"))
}

func TestMonitorGraceWindowExpiryTerminatesOnce(t *testing.T) {
	deps := newTestMonitor(t, 20*time.Millisecond)
	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))

	deps.monitor.HandleDisconnect("s1")
	deps.monitor.HandleDisconnect("s1") // window already running; no second timer

	assert.Eventually(t, func() bool {
		return deps.monitor.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	events := deps.sink.ByKind("session_terminated")
	if assert.Len(t, events, 1) {
		assert.Contains(t, events[0].Detail, "disconnected")
	}
	// the owner was offline, so the termination notice waits in the queue
	assert.Equal(t, 1, deps.notif.Pending("u1"))
}

func TestMonitorResumeWithinGraceWindow(t *testing.T) {
	deps := newTestMonitor(t, 30*time.Millisecond)
	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))

	deps.monitor.HandleDisconnect("s1")

	conn := newFakeConn("c2", "u1", realtime.ClassExam)
	deps.reg.Register(conn)
	assert.True(t, deps.monitor.Resume("s1", conn))
	assert.Equal(t, 1, deps.reg.RoomSize(SessionRoom("s1")))

	// well past the original window: the session must still be alive
	time.Sleep(80 * time.Millisecond)
	view, ok := deps.monitor.Snapshot("s1")
	assert.True(t, ok)
	assert.Equal(t, StatusActive, view.Status)
	assert.Empty(t, deps.sink.ByKind("session_terminated"))
}

func TestMonitorResumeUnknownOrTerminal(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)
	conn := newFakeConn("c1", "u1", realtime.ClassExam)
	deps.reg.Register(conn)

	assert.False(t, deps.monitor.Resume("missing", conn))

	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))
	deps.monitor.ForceTerminate("s1", "")
	assert.False(t, deps.monitor.Resume("s1", conn))
}

func TestMonitorWarningQueuedForOfflineOwner(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)
	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))

	deps.monitor.ReportViolation("s1", ViolationMultiplePresences, "nobody connected")

	assert.Equal(t, 1, deps.notif.Pending("u1"))
}

func TestMonitorSessionsAreIndependent(t *testing.T) {
	deps := newTestMonitor(t, time.Minute)
	assert.NoError(t, deps.monitor.Start("s1", "u1", "e1"))
	assert.NoError(t, deps.monitor.Start("s2", "u2", "e1"))

	deps.monitor.ForceTerminate("s1", "cheating")

	view, ok := deps.monitor.Snapshot("s2")
	assert.True(t, ok)
	assert.Equal(t, StatusActive, view.Status)
	assert.Equal(t, 1, deps.monitor.ActiveCount())
}
