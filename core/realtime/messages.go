package realtime

import "time"

// Wire message type tags. Every frame on a client channel is a UTF-8 JSON
// object carrying one of these under "type"; unknown tags are ignored by
// receivers so new types can be introduced without breaking old clients.
const (
	// inbound
	TypeHeartbeat       = "heartbeat"
	TypePing            = "ping"
	TypeJoinRoom        = "join_room"
	TypeLeaveRoom       = "leave_room"
	TypeDirectMessage   = "direct_message"
	TypeAnswerUpdate    = "answer_update"
	TypeViolationReport = "violation_report"
	TypeSubmitExam      = "submit_exam"
	TypeFrameCapture    = "frame_capture"

	// outbound
	TypeConnectionEstablished = "connection_established"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypePong                  = "pong"
	TypeExamSubmitted         = "exam_submitted"
	TypeExamViolation         = "exam_violation"
	TypeExamProgress          = "exam_progress"
	TypeExamWarning           = "exam_warning"
	TypeExamTerminated        = "exam_terminated"
	TypeNotification          = "notification"
	TypeSystemAnnouncement    = "system_announcement"
	TypeError                 = "error"
)

type (
	ConnectionEstablishedMessage struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}

	HeartbeatAckMessage struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id,omitempty"`
		// Timestamp echoes the client's heartbeat timestamp so the
		// client can measure round-trip time and detect stalls.
		Timestamp int64 `json:"timestamp"`
	}

	PongMessage struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}

	ExamSubmittedMessage struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}

	ExamViolationMessage struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
		Violation string `json:"violation"`
	}

	ExamProgressMessage struct {
		Type      string                 `json:"type"`
		SessionID string                 `json:"session_id"`
		Progress  map[string]interface{} `json:"progress"`
		Timestamp int64                  `json:"timestamp"`
	}

	ExamWarningMessage struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}

	ExamTerminatedMessage struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Reason    string `json:"reason"`
	}

	NotificationMessage struct {
		Type             string                 `json:"type"`
		NotificationType string                 `json:"notification_type"`
		Title            string                 `json:"title"`
		Message          string                 `json:"message"`
		Data             map[string]interface{} `json:"data,omitempty"`
		Timestamp        int64                  `json:"timestamp"`
	}

	SystemAnnouncementMessage struct {
		Type      string `json:"type"`
		Title     string `json:"title"`
		Message   string `json:"message"`
		Priority  string `json:"priority"`
		Timestamp int64  `json:"timestamp"`
	}

	DirectChatMessage struct {
		Type      string `json:"type"`
		From      string `json:"from"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}

	ErrorMessage struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

func NewConnectionEstablished(msg string) ConnectionEstablishedMessage {
	return ConnectionEstablishedMessage{
		Type:      TypeConnectionEstablished,
		Message:   msg,
		Timestamp: time.Now().Unix(),
	}
}

func NewHeartbeatAck(sessionID string, timestamp int64) HeartbeatAckMessage {
	return HeartbeatAckMessage{
		Type:      TypeHeartbeatAck,
		SessionID: sessionID,
		Timestamp: timestamp,
	}
}

func NewPong() PongMessage {
	return PongMessage{Type: TypePong, Timestamp: time.Now().Unix()}
}

func NewExamSubmitted(sessionID, msg string) ExamSubmittedMessage {
	return ExamSubmittedMessage{Type: TypeExamSubmitted, SessionID: sessionID, Message: msg}
}

func NewExamViolation(sessionID, userID, violation string) ExamViolationMessage {
	return ExamViolationMessage{
		Type:      TypeExamViolation,
		SessionID: sessionID,
		UserID:    userID,
		Violation: violation,
	}
}

func NewExamProgress(sessionID string, progress map[string]interface{}) ExamProgressMessage {
	return ExamProgressMessage{
		Type:      TypeExamProgress,
		SessionID: sessionID,
		Progress:  progress,
		Timestamp: time.Now().Unix(),
	}
}

func NewExamWarning(sessionID, msg string) ExamWarningMessage {
	return ExamWarningMessage{Type: TypeExamWarning, SessionID: sessionID, Message: msg}
}

func NewExamTerminated(sessionID, reason string) ExamTerminatedMessage {
	return ExamTerminatedMessage{Type: TypeExamTerminated, SessionID: sessionID, Reason: reason}
}

func NewNotificationMessage(typ, title, msg string, data map[string]interface{}) NotificationMessage {
	return NotificationMessage{
		Type:             TypeNotification,
		NotificationType: typ,
		Title:            title,
		Message:          msg,
		Data:             data,
		Timestamp:        time.Now().Unix(),
	}
}

func NewSystemAnnouncement(title, msg, priority string) SystemAnnouncementMessage {
	return SystemAnnouncementMessage{
		Type:      TypeSystemAnnouncement,
		Title:     title,
		Message:   msg,
		Priority:  priority,
		Timestamp: time.Now().Unix(),
	}
}

func NewDirectChat(from, msg string) DirectChatMessage {
	return DirectChatMessage{
		Type:      TypeDirectMessage,
		From:      from,
		Message:   msg,
		Timestamp: time.Now().Unix(),
	}
}

func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}
