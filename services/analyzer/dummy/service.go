package dummyanalyzer

import (
	"sync"

	"github.com/edusafe/proctor/core"
)

// Service is a stand-in for the perceptual frame classifier. It reports a
// scripted sequence of signals, then nothing; tests use it to simulate
// analyzer-originated violations without the real model.
type Service struct {
	mu      sync.Mutex
	signals []string
}

var _ core.FrameClassifier = (*Service)(nil)

func NewService(signals ...string) *Service {
	return &Service{signals: signals}
}

func (svc *Service) Classify(frame []byte) (string, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.signals) == 0 {
		return "", false
	}
	signal := svc.signals[0]
	svc.signals = svc.signals[1:]
	return signal, true
}
