package strategy

import (
	"sync/atomic"
	"time"

	"ccflare/internal/store"
)

// Strategy orders dispatch candidates. Candidates arrive already filtered
// (unpaused, not rate limited) and sorted by priority then name; the
// strategy decides which one is tried first.
type Strategy interface {
	Name() string
	Order(candidates []*store.Account, nowMs int64) []*store.Account
}

// New returns the strategy registered under name, defaulting to session
// affinity for unknown names.
func New(name string, sessionDuration time.Duration) Strategy {
	switch name {
	case "round_robin":
		return &RoundRobin{}
	default:
		return &Session{Duration: sessionDuration}
	}
}

// Session keeps traffic on one account for the length of a usage session.
// The account with the most recently started live session goes first, so
// an account stays selected until it is rate limited or its session ends.
type Session struct {
	Duration time.Duration
}

func (s *Session) Name() string { return "session" }

func (s *Session) Order(candidates []*store.Account, nowMs int64) []*store.Account {
	if len(candidates) < 2 {
		return candidates
	}

	live := -1
	var liveStart int64
	for i, a := range candidates {
		if a.SessionStartMs == 0 {
			continue
		}
		if nowMs-a.SessionStartMs >= s.Duration.Milliseconds() {
			continue
		}
		if a.SessionStartMs > liveStart {
			live = i
			liveStart = a.SessionStartMs
		}
	}
	if live <= 0 {
		return candidates
	}

	out := make([]*store.Account, 0, len(candidates))
	out = append(out, candidates[live])
	out = append(out, candidates[:live]...)
	out = append(out, candidates[live+1:]...)
	return out
}

// RoundRobin rotates the starting candidate on every request.
type RoundRobin struct {
	counter atomic.Uint64
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Order(candidates []*store.Account, nowMs int64) []*store.Account {
	n := len(candidates)
	if n < 2 {
		return candidates
	}
	start := int(r.counter.Add(1)-1) % n
	if start == 0 {
		return candidates
	}
	out := make([]*store.Account, 0, n)
	out = append(out, candidates[start:]...)
	out = append(out, candidates[:start]...)
	return out
}
