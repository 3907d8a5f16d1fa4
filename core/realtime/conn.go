package realtime

// ConnClass tells what kind of channel a connection serves.
type ConnClass string

const (
	ClassGeneral ConnClass = "general"
	ClassExam    ConnClass = "exam"
	ClassAdmin   ConnClass = "admin"
)

// Conn is an ephemeral handle to one live client channel. The transport layer
// owns the socket; the registry only ever sees this port.
type Conn interface {
	// ID uniquely identifies this connection (not the user).
	ID() string
	// UserID identifies the owning user; a user may hold many connections.
	UserID() string
	Class() ConnClass
	// Send delivers one message. It must not block indefinitely; a slow or
	// dead peer returns an error so the registry can evict the connection.
	Send(v interface{}) error
	Close() error
}
