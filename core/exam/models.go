package exam

import (
	"sync"
	"time"
)

// Status is the closed set of session states. Transitions are monotonic:
// active -> completed | terminated, never back.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// ViolationType tags a discrete suspicious-behavior signal, either
// user-originated (browser events) or analyzer-originated (frame
// classification).
type ViolationType string

const (
	ViolationNoPresence         ViolationType = "no_presence"
	ViolationMultiplePresences  ViolationType = "multiple_presences"
	ViolationAttentionDiverted  ViolationType = "attention_diverted"
	ViolationFocusLost          ViolationType = "focus_lost"
	ViolationFullscreenExited   ViolationType = "fullscreen_exited"
	ViolationClipboardActivity  ViolationType = "clipboard_activity"
	ViolationContextMenu        ViolationType = "unexpected_context_menu"
	ViolationElevatedMotion     ViolationType = "elevated_motion"
	ViolationUnrecognizedScreen ViolationType = "unrecognized_screen_content"
)

// hardViolations escalate on a single occurrence; everything else is soft and
// needs repetition before it counts.
var hardViolations = map[ViolationType]struct{}{
	ViolationMultiplePresences:  {},
	ViolationUnrecognizedScreen: {},
}

var violationDescriptions = map[ViolationType]string{
	ViolationNoPresence:         "no person detected in front of the camera",
	ViolationMultiplePresences:  "multiple persons detected in front of the camera",
	ViolationAttentionDiverted:  "attention diverted away from the screen",
	ViolationFocusLost:          "exam window lost focus",
	ViolationFullscreenExited:   "exam window left fullscreen mode",
	ViolationClipboardActivity:  "clipboard activity detected",
	ViolationContextMenu:        "context menu opened during the exam",
	ViolationElevatedMotion:     "elevated motion detected",
	ViolationUnrecognizedScreen: "unrecognized content detected on screen",
}

func (t ViolationType) Hard() bool {
	_, ok := hardViolations[t]
	return ok
}

func (t ViolationType) Known() bool {
	_, ok := violationDescriptions[t]
	return ok
}

// Describe returns a human-readable description of the violation.
func (t ViolationType) Describe() string {
	if desc, ok := violationDescriptions[t]; ok {
		return desc
	}
	return string(t)
}

// ViolationRecord is one immutable observed violation, append-only on a session.
type ViolationRecord struct {
	Type   ViolationType
	Detail string
	At     time.Time
}

// Session is the in-memory record of one live exam attempt. It is created by
// Monitor.Start, mutated only under its own lock, and dropped from memory
// once terminal (a summary goes to the audit sink).
type Session struct {
	ID        string
	UserID    string
	ExamID    string
	StartedAt time.Time
	EndedAt   time.Time
	Status    Status

	Violations   []ViolationRecord
	WarningCount int
	Progress     map[string]interface{}

	mu         sync.Mutex
	typeCounts map[ViolationType]int // soft violation occurrences since last escalation
	graceTimer *time.Timer           // pending disconnect auto-termination, nil when none
	graceSeq   uint64                // invalidates stale timers that fire after a cancel
}

func newSession(id, userID, examID string) *Session {
	return &Session{
		ID:         id,
		UserID:     userID,
		ExamID:     examID,
		StartedAt:  time.Now().UTC(),
		Status:     StatusActive,
		Progress:   make(map[string]interface{}),
		typeCounts: make(map[ViolationType]int),
	}
}

// SessionView is an immutable copy of a session's observable state.
type SessionView struct {
	ID           string
	UserID       string
	ExamID       string
	StartedAt    time.Time
	Status       Status
	WarningCount int
	Violations   int
}

// Room returns the fan-out room holding the session owner's connections.
func (s *Session) Room() string {
	return SessionRoom(s.ID)
}

func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// ObserversRoom names the room where an exam's reviewers listen for alerts.
func ObserversRoom(examID string) string {
	return "exam:" + examID + ":observers"
}
