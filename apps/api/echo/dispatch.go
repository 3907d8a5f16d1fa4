package echoapi

import (
	"encoding/base64"
	"encoding/json"
	"expvar"
	"fmt"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/exam"
	"github.com/edusafe/proctor/core/notif"
	"github.com/edusafe/proctor/core/realtime"
)

// wire-level faults are ignored per connection but still counted
var wireFaults = expvar.NewMap("ws_wire_faults")

type (
	// connSession carries the per-connection dispatch context.
	connSession struct {
		conn      realtime.Conn
		claims    *Claims
		examID    string
		sessionID string
	}

	handlerFunc func(cs *connSession, raw []byte)

	// dispatcher routes inbound wire messages to handlers by message type,
	// one table per channel class. Unknown types fall through silently so
	// newer clients never break older servers.
	dispatcher struct {
		registry   *realtime.Registry
		monitor    *exam.Monitor
		notif      *notif.Service
		classifier core.FrameClassifier
		validate   *validator.Validate
		translator ut.Translator
		logger     core.Logger

		examHandlers    map[string]handlerFunc
		generalHandlers map[string]handlerFunc
	}
)

// inbound payloads
type (
	heartbeatPayload struct {
		Timestamp int64 `json:"timestamp"`
	}

	answerUpdatePayload struct {
		QuestionID string      `json:"question_id" validate:"required"`
		Answer     interface{} `json:"answer"`
		Timestamp  int64       `json:"timestamp"`
	}

	violationReportPayload struct {
		ViolationType string `json:"violation_type" validate:"required"`
		Details       string `json:"details"`
	}

	frameCapturePayload struct {
		Frame string `json:"frame" validate:"required"` // base64-encoded
	}

	roomPayload struct {
		Room string `json:"room" validate:"required,roomname"`
	}

	directMessagePayload struct {
		To      string `json:"to" validate:"required"`
		Message string `json:"message" validate:"required"`
	}
)

func newDispatcher(deps ServerDeps) *dispatcher {
	d := &dispatcher{
		registry:   deps.Registry,
		monitor:    deps.Monitor,
		notif:      deps.Notif,
		classifier: deps.Classifier,
		validate:   deps.Validate,
		translator: deps.Translator,
		logger:     deps.Logger,
	}
	d.examHandlers = map[string]handlerFunc{
		realtime.TypeHeartbeat:       d.heartbeat,
		realtime.TypeAnswerUpdate:    d.answerUpdate,
		realtime.TypeViolationReport: d.violationReport,
		realtime.TypeSubmitExam:      d.submitExam,
		realtime.TypeFrameCapture:    d.frameCapture,
	}
	d.generalHandlers = map[string]handlerFunc{
		realtime.TypePing:          d.ping,
		realtime.TypeHeartbeat:     d.heartbeat,
		realtime.TypeJoinRoom:      d.joinRoom,
		realtime.TypeLeaveRoom:     d.leaveRoom,
		realtime.TypeDirectMessage: d.directMessage,
	}
	return d
}

// dispatch decodes the envelope and routes by type. Malformed or unknown
// messages never kill the connection.
func (d *dispatcher) dispatch(cs *connSession, raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		wireFaults.Add("malformed", 1)
		d.logger.Debug(fmt.Sprintf("ws: malformed message on connection %s ignored", cs.conn.ID()))
		_ = cs.conn.Send(realtime.NewError("malformed message"))
		return
	}

	table := d.generalHandlers
	if cs.conn.Class() == realtime.ClassExam {
		table = d.examHandlers
	}
	handler, ok := table[envelope.Type]
	if !ok {
		wireFaults.Add("unknown_type", 1)
		d.logger.Debug(fmt.Sprintf("ws: unknown message type %q on connection %s ignored", envelope.Type, cs.conn.ID()))
		return
	}
	handler(cs, raw)
}

// deliverOffline drains the user's queued notifications onto a fresh
// connection. The drain is destructive; delivery failures evict the
// connection and the batch is gone, keeping at-most-once semantics.
func (d *dispatcher) deliverOffline(cs *connSession) {
	for _, n := range d.notif.DrainOffline(cs.conn.UserID()) {
		msg := realtime.NewNotificationMessage(n.Type, n.Title, n.Message, n.Data)
		msg.Timestamp = n.CreatedAt.Unix()
		if !d.registry.Unicast(msg, cs.conn) {
			return
		}
	}
}

// decode unmarshals and validates a typed payload; faults are reported to the
// peer and counted, never fatal.
func (d *dispatcher) decode(cs *connSession, raw []byte, payload interface{}) bool {
	if err := json.Unmarshal(raw, payload); err != nil {
		wireFaults.Add("malformed", 1)
		_ = cs.conn.Send(realtime.NewError("malformed message"))
		return false
	}
	if err := d.validate.Struct(payload); err != nil {
		wireFaults.Add("invalid", 1)
		if vErrs, ok := err.(validator.ValidationErrors); ok && len(vErrs) > 0 {
			_ = cs.conn.Send(realtime.NewError(vErrs[0].Translate(d.translator)))
		} else {
			_ = cs.conn.Send(realtime.NewError("invalid message"))
		}
		return false
	}
	return true
}

// heartbeat is answered immediately, echoing the peer's timestamp so it can
// measure round-trip time.
func (d *dispatcher) heartbeat(cs *connSession, raw []byte) {
	var p heartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		wireFaults.Add("malformed", 1)
		return
	}
	_ = cs.conn.Send(realtime.NewHeartbeatAck(cs.sessionID, p.Timestamp))
}

func (d *dispatcher) ping(cs *connSession, raw []byte) {
	_ = cs.conn.Send(realtime.NewPong())
}

func (d *dispatcher) answerUpdate(cs *connSession, raw []byte) {
	var p answerUpdatePayload
	if !d.decode(cs, raw, &p) {
		return
	}
	d.monitor.UpdateProgress(cs.sessionID, map[string]interface{}{p.QuestionID: p.Answer})
}

func (d *dispatcher) violationReport(cs *connSession, raw []byte) {
	var p violationReportPayload
	if !d.decode(cs, raw, &p) {
		return
	}
	typ := exam.ViolationType(core.CleanString(p.ViolationType, true))
	if !typ.Known() {
		wireFaults.Add("unknown_violation", 1)
		d.logger.Debug(fmt.Sprintf("ws: unknown violation type %q on session %s ignored", p.ViolationType, cs.sessionID))
		return
	}
	d.monitor.ReportViolation(cs.sessionID, typ, p.Details)
}

func (d *dispatcher) submitExam(cs *connSession, raw []byte) {
	d.monitor.Submit(cs.sessionID)
}

// frameCapture feeds a captured frame through the perceptual classifier.
// Classifier trouble means no signal for this frame, nothing more.
func (d *dispatcher) frameCapture(cs *connSession, raw []byte) {
	if d.classifier == nil {
		return
	}
	var p frameCapturePayload
	if !d.decode(cs, raw, &p) {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(p.Frame)
	if err != nil {
		wireFaults.Add("malformed", 1)
		return
	}
	if typ, ok := d.classifier.Classify(frame); ok {
		d.monitor.ReportViolation(cs.sessionID, exam.ViolationType(typ), "frame analysis")
	}
}

func (d *dispatcher) joinRoom(cs *connSession, raw []byte) {
	var p roomPayload
	if !d.decode(cs, raw, &p) {
		return
	}
	d.registry.JoinRoom(p.Room, cs.conn)
}

func (d *dispatcher) leaveRoom(cs *connSession, raw []byte) {
	var p roomPayload
	if !d.decode(cs, raw, &p) {
		return
	}
	d.registry.LeaveRoom(p.Room, cs.conn)
}

func (d *dispatcher) directMessage(cs *connSession, raw []byte) {
	var p directMessagePayload
	if !d.decode(cs, raw, &p) {
		return
	}
	d.registry.Multicast(realtime.NewDirectChat(cs.conn.UserID(), p.Message), p.To)
}
