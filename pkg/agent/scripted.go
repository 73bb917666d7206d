package agent

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays a fixed sequence of proposals. It stands in for a real
// adapter in tests and demos; each Propose call consumes the next entry.
type Scripted struct {
	mu    sync.Mutex
	queue []Proposal
}

func NewScripted(proposals ...Proposal) *Scripted {
	return &Scripted{queue: proposals}
}

func (s *Scripted) Propose(_ context.Context, _ Turn) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Proposal{}, fmt.Errorf("agent: script exhausted")
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}

// Remaining reports how many scripted proposals are left.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
