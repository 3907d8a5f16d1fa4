package echoapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/exam"
	"github.com/edusafe/proctor/core/notif"
	"github.com/edusafe/proctor/core/realtime"
	dummyanalyzer "github.com/edusafe/proctor/services/analyzer/dummy"
	dummydb "github.com/edusafe/proctor/storage/database/dummy"
)

type fakeConn struct {
	id     string
	userID string
	class  realtime.ConnClass

	mu   sync.Mutex
	sent []interface{}
}

var _ realtime.Conn = (*fakeConn)(nil)

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Class() realtime.ConnClass { return c.class }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) received() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.sent...)
}

type testEnv struct {
	dispatcher *dispatcher
	registry   *realtime.Registry
	monitor    *exam.Monitor
	notif      *notif.Service
	sink       *dummydb.AuditSink
	classifier *dummyanalyzer.Service
}

func setup(t *testing.T, signals ...string) *testEnv {
	t.Helper()
	conf := &core.Config{
		Exam: core.ExamConfig{
			SoftViolationThreshold: 5,
			WarningCeiling:         3,
			GraceWindow:            time.Minute,
			HeartbeatInterval:      time.Second,
			HeartbeatMissFactor:    3,
		},
		Notif: core.NotifConfig{QueueCapacity: 10, QueueTTL: time.Hour, PruneInterval: time.Minute},
	}
	logger := core.NopLogger{}
	registry := realtime.NewRegistry(logger)
	notifSvc := notif.NewService(registry, logger, conf)
	sink := dummydb.NewAuditSink()
	monitor := exam.NewMonitor(registry, notifSvc, exam.NewPolicyEngine(conf.Exam), sink, nil, logger, conf)
	classifier := dummyanalyzer.NewService(signals...)

	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)

	d := newDispatcher(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Registry:   registry,
		Monitor:    monitor,
		Notif:      notifSvc,
		Classifier: classifier,
		Validate:   validate,
		Translator: translator,
	})
	return &testEnv{
		dispatcher: d,
		registry:   registry,
		monitor:    monitor,
		notif:      notifSvc,
		sink:       sink,
		classifier: classifier,
	}
}

func examSession(t *testing.T, env *testEnv) (*connSession, *fakeConn) {
	t.Helper()
	conn := &fakeConn{id: "c1", userID: "u1", class: realtime.ClassExam}
	env.registry.Register(conn)
	if err := env.monitor.Start("s1", "u1", "e1"); err != nil {
		t.Fatalf("starting session: %v", err)
	}
	return &connSession{conn: conn, sessionID: "s1", examID: "e1"}, conn
}

func generalSession(env *testEnv, id, userID string) (*connSession, *fakeConn) {
	conn := &fakeConn{id: id, userID: userID, class: realtime.ClassGeneral}
	env.registry.Register(conn)
	return &connSession{conn: conn}, conn
}

func TestDispatchHeartbeatAcks(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	// N heartbeats yield exactly N acks, each echoing its own timestamp
	const n = 5
	for i := 0; i < n; i++ {
		raw := []byte(fmt.Sprintf(`{"type":"heartbeat","timestamp":%d}`, 1000+i))
		env.dispatcher.dispatch(cs, raw)
	}

	var acks []realtime.HeartbeatAckMessage
	for _, v := range conn.received() {
		if ack, ok := v.(realtime.HeartbeatAckMessage); ok {
			acks = append(acks, ack)
		}
	}
	assert.Len(t, acks, n)
	for i, ack := range acks {
		assert.Equal(t, int64(1000+i), ack.Timestamp)
		assert.Equal(t, "s1", ack.SessionID)
	}
}

func TestDispatchUnknownTypeIgnored(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	env.dispatcher.dispatch(cs, []byte(`{"type":"hologram_sync","x":1}`))

	// nothing sent back, connection still registered and usable
	assert.Len(t, conn.received(), 0)
	assert.Equal(t, 1, env.registry.Stats().Total)

	env.dispatcher.dispatch(cs, []byte(`{"type":"heartbeat","timestamp":7}`))
	assert.Len(t, conn.received(), 1)
}

func TestDispatchMalformedIgnored(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	env.dispatcher.dispatch(cs, []byte(`{not json`))

	msgs := conn.received()
	if assert.Len(t, msgs, 1) {
		_, ok := msgs[0].(realtime.ErrorMessage)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, env.registry.Stats().Total) // still connected
}

func TestDispatchViolationReport(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	raw, _ := json.Marshal(map[string]interface{}{
		"type":           "violation_report",
		"violation_type": "multiple_presences",
		"details":        "two faces",
	})
	env.dispatcher.dispatch(cs, raw)

	view, ok := env.monitor.Snapshot("s1")
	assert.True(t, ok)
	assert.Equal(t, 1, view.WarningCount) // hard type escalates immediately

	var warned bool
	for _, v := range conn.received() {
		if _, ok := v.(realtime.ExamWarningMessage); ok {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestDispatchViolationReportUnknownType(t *testing.T) {
	env := setup(t)
	cs, _ := examSession(t, env)

	raw := []byte(`{"type":"violation_report","violation_type":"quantum_entanglement"}`)
	env.dispatcher.dispatch(cs, raw)

	view, _ := env.monitor.Snapshot("s1")
	assert.Equal(t, 0, view.Violations)
}

func TestDispatchViolationReportMissingType(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	env.dispatcher.dispatch(cs, []byte(`{"type":"violation_report","details":"oops"}`))

	msgs := conn.received()
	if assert.Len(t, msgs, 1) {
		errMsg, ok := msgs[0].(realtime.ErrorMessage)
		if assert.True(t, ok) {
			assert.Contains(t, errMsg.Message, "required")
		}
	}
}

func TestDispatchAnswerUpdate(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	env.dispatcher.dispatch(cs, []byte(`{"type":"answer_update","question_id":"q1","answer":"42"}`))
	env.dispatcher.dispatch(cs, []byte(`{"type":"answer_update","question_id":"q2","answer":"no"}`))

	var progress realtime.ExamProgressMessage
	for _, v := range conn.received() {
		if p, ok := v.(realtime.ExamProgressMessage); ok {
			progress = p
		}
	}
	assert.Equal(t, "42", progress.Progress["q1"])
	assert.Equal(t, "no", progress.Progress["q2"])
}

func TestDispatchSubmitExam(t *testing.T) {
	env := setup(t)
	cs, conn := examSession(t, env)

	env.dispatcher.dispatch(cs, []byte(`{"type":"submit_exam"}`))

	assert.Equal(t, 0, env.monitor.ActiveCount())
	var submitted bool
	for _, v := range conn.received() {
		if _, ok := v.(realtime.ExamSubmittedMessage); ok {
			submitted = true
		}
	}
	assert.True(t, submitted)

	// the session is gone: a second submit changes nothing
	env.dispatcher.dispatch(cs, []byte(`{"type":"submit_exam"}`))
	assert.Len(t, env.sink.ByKind("session_completed"), 1)
}

func TestDispatchFrameCapture(t *testing.T) {
	env := setup(t, "no_presence")
	cs, _ := examSession(t, env)

	frame := base64.StdEncoding.EncodeToString([]byte("fake jpeg bytes"))
	raw, _ := json.Marshal(map[string]interface{}{"type": "frame_capture", "frame": frame})

	env.dispatcher.dispatch(cs, raw) // classifier flags this one
	env.dispatcher.dispatch(cs, raw) // clean frame, no signal

	view, _ := env.monitor.Snapshot("s1")
	assert.Equal(t, 1, view.Violations)
}

func TestDispatchRoomsAndDirectMessages(t *testing.T) {
	env := setup(t)
	cs1, _ := generalSession(env, "c1", "u1")
	cs2, conn2 := generalSession(env, "c2", "u2")

	env.dispatcher.dispatch(cs1, []byte(`{"type":"join_room","room":"lounge"}`))
	env.dispatcher.dispatch(cs2, []byte(`{"type":"join_room","room":"lounge"}`))
	assert.Equal(t, 2, env.registry.RoomSize("lounge"))

	env.dispatcher.dispatch(cs1, []byte(`{"type":"direct_message","to":"u2","message":"hey"}`))
	var chat realtime.DirectChatMessage
	for _, v := range conn2.received() {
		if m, ok := v.(realtime.DirectChatMessage); ok {
			chat = m
		}
	}
	assert.Equal(t, "u1", chat.From)
	assert.Equal(t, "hey", chat.Message)

	env.dispatcher.dispatch(cs1, []byte(`{"type":"leave_room","room":"lounge"}`))
	env.dispatcher.dispatch(cs1, []byte(`{"type":"leave_room","room":"lounge"}`)) // idempotent
	assert.Equal(t, 1, env.registry.RoomSize("lounge"))

	// room names are validated
	env.dispatcher.dispatch(cs1, []byte(`{"type":"join_room","room":"no spaces allowed"}`))
	assert.Equal(t, 1, env.registry.Stats().Rooms)
}

func TestDeliverOfflineDrainsOnce(t *testing.T) {
	env := setup(t)

	env.notif.Notify("u1", "info", "while you were away", "msg", nil)
	env.notif.Notify("u1", "info", "second", "msg", nil)

	cs, conn := generalSession(env, "c1", "u1")
	env.dispatcher.deliverOffline(cs)

	var delivered int
	for _, v := range conn.received() {
		if _, ok := v.(realtime.NotificationMessage); ok {
			delivered++
		}
	}
	assert.Equal(t, 2, delivered)

	// second drain delivers nothing
	env.dispatcher.deliverOffline(cs)
	var after int
	for _, v := range conn.received() {
		if _, ok := v.(realtime.NotificationMessage); ok {
			after++
		}
	}
	assert.Equal(t, 2, after)
}
