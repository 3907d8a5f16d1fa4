package notif

import (
	"context"
	"time"

	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/realtime"
)

// Service fans notifications out to live connections and parks the misses in
// per-user offline queues for later drain on reconnect.
type Service struct {
	reg           *realtime.Registry
	store         *offlineStore
	log           core.Logger
	pruneInterval time.Duration
}

func NewService(reg *realtime.Registry, log core.Logger, conf *core.Config) *Service {
	return &Service{
		reg:           reg,
		store:         newOfflineStore(conf.Notif.QueueCapacity, conf.Notif.QueueTTL),
		log:           log,
		pruneInterval: conf.Notif.PruneInterval,
	}
}

// Notify delivers a notification to every live connection the user holds.
// When nothing is delivered the notification is queued offline so the next
// reconnect can drain it. Queued-or-delivered, exactly one of the two.
func (svc *Service) Notify(userID, typ, title, msg string, data map[string]interface{}) {
	n := newNotification(typ, title, msg, data)
	wire := realtime.NewNotificationMessage(n.Type, n.Title, n.Message, n.Data)

	if sent := svc.reg.Multicast(wire, userID); sent > 0 {
		return
	}
	svc.store.push(userID, n)
	svc.log.Debug("notif: queued offline notification for user " + userID)
}

// NotifyMany applies Notify per recipient, independently.
func (svc *Service) NotifyMany(userIDs []string, typ, title, msg string, data map[string]interface{}) {
	for _, userID := range userIDs {
		svc.Notify(userID, typ, title, msg, data)
	}
}

// Announce broadcasts to everyone currently connected. Announcements are
// ephemeral: they are never queued for offline users.
func (svc *Service) Announce(title, msg, priority string) {
	svc.reg.BroadcastAll(realtime.NewSystemAnnouncement(title, msg, priority))
}

// DrainOffline removes and returns the user's pending notifications.
// At-most-once: entries are gone after this call even if the caller fails
// to deliver them.
func (svc *Service) DrainOffline(userID string) []Notification {
	return svc.store.drain(userID)
}

// Pending reports how many notifications await a user.
func (svc *Service) Pending(userID string) int {
	return svc.store.pending(userID)
}

// StartPruning expires stale offline entries periodically until ctx is done.
func (svc *Service) StartPruning(ctx context.Context) {
	ticker := time.NewTicker(svc.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.store.prune()
		}
	}
}
