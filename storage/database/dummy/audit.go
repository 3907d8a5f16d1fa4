package dummydb

import (
	"sync"

	"github.com/edusafe/proctor/core"
)

// AuditSink keeps audit events in memory; used in debug mode and tests.
type AuditSink struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

var _ core.AuditSink = (*AuditSink)(nil)

func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

func (sink *AuditSink) Persist(event core.AuditEvent) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, event)
	return nil
}

// Events returns a copy of everything persisted so far.
func (sink *AuditSink) Events() []core.AuditEvent {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]core.AuditEvent(nil), sink.events...)
}

// ByKind returns the persisted events of one kind.
func (sink *AuditSink) ByKind(kind string) []core.AuditEvent {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	var events []core.AuditEvent
	for _, e := range sink.events {
		if e.Kind == kind {
			events = append(events, e)
		}
	}
	return events
}
