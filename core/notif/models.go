package notif

import (
	"time"

	"github.com/google/uuid"
)

// Notification is one transient message addressed to a user. Undeliverable
// notifications survive in the owner's offline queue until drained, evicted
// by capacity pressure or expired by age.
type Notification struct {
	ID        string
	Type      string
	Title     string
	Message   string
	Data      map[string]interface{}
	CreatedAt time.Time
}

func newNotification(typ, title, msg string, data map[string]interface{}) Notification {
	return Notification{
		ID:        uuid.New().String(),
		Type:      typ,
		Title:     title,
		Message:   msg,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}
