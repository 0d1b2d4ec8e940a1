package registry

import (
	"context"
	"sync"

	"certgate/internal/domain"
)

// Stub is an offline Verifier. Identifiers listed in Valid verify with their
// date; anything else verifies with Default when it is set.
type Stub struct {
	mu      sync.Mutex
	Valid   map[string]domain.Date
	Default *domain.Date
	calls   int
}

// AcceptAll verifies every non-empty identifier until the given date.
func AcceptAll(until domain.Date) *Stub {
	return &Stub{Default: &until}
}

func (s *Stub) Verify(_ context.Context, certificateID string) (*domain.Date, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if certificateID == "" {
		return nil, false
	}
	if d, ok := s.Valid[certificateID]; ok {
		return &d, true
	}
	if s.Default != nil {
		d := *s.Default
		return &d, true
	}
	return nil, false
}

// Calls reports how many times Verify ran.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
