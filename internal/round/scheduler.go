package round

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Fire is emitted when a lobby's round deadline elapses. Round is the round
// the timer was armed for; the advance re-checks it under the row lock so a
// stale fire is a no-op.
type Fire struct {
	LobbyCode string
	Round     int
}

// Scheduler owns the per-lobby one-shot round timers. Registration always
// goes through "set, cancelling any prior timer for that lobby", so a lobby
// never has two live timers no matter how transitions interleave.
type Scheduler struct {
	clock  clockwork.Clock
	fireCh chan Fire

	mu     sync.Mutex
	timers map[string]clockwork.Timer
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		fireCh: make(chan Fire, 64),
		timers: make(map[string]clockwork.Timer),
	}
}

// Fires returns the channel of elapsed deadlines, consumed by the engine's
// advance workers.
func (s *Scheduler) Fires() <-chan Fire {
	return s.fireCh
}

// Schedule arms the round timer for a lobby, replacing any existing one.
// Deadlines already in the past fire immediately.
func (s *Scheduler) Schedule(ctx context.Context, lobbyCode string, round int, deadline time.Time) {
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	timer := s.clock.NewTimer(d)
	s.replaceTimer(lobbyCode, timer)

	go func() {
		select {
		case <-timer.Chan():
			s.removeTimer(lobbyCode, timer)
			select {
			case s.fireCh <- Fire{LobbyCode: lobbyCode, Round: round}:
				log.Debug().Str("lobby_code", lobbyCode).Int("round", round).Msg("round timer fired")
			case <-ctx.Done():
			}
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			s.removeTimer(lobbyCode, timer)
		}
	}()

	log.Debug().
		Str("lobby_code", lobbyCode).
		Int("round", round).
		Time("deadline", deadline).
		Dur("duration", d).
		Msg("scheduled round timer")
}

// Cancel stops and removes the lobby's timer, if any.
func (s *Scheduler) Cancel(lobbyCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[lobbyCode]; ok {
		stopAndDrainTimer(timer)
		delete(s.timers, lobbyCode)
		log.Debug().Str("lobby_code", lobbyCode).Msg("cancelled round timer")
	}
}

// replaceTimer atomically swaps in a new timer, stopping any prior one so a
// replaced timer can never slip a fire in between Stop and delete.
func (s *Scheduler) replaceTimer(lobbyCode string, newTimer clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[lobbyCode]; ok {
		stopAndDrainTimer(existing)
		log.Debug().Str("lobby_code", lobbyCode).Msg("replaced existing round timer")
	}
	s.timers[lobbyCode] = newTimer
}

// removeTimer clears the registry entry after a fire, but only if the entry
// still refers to the fired timer (a replacement may already be registered).
func (s *Scheduler) removeTimer(lobbyCode string, fired clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.timers[lobbyCode]; ok && current == fired {
		delete(s.timers, lobbyCode)
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired,
// per the time.Timer.Stop contract.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
