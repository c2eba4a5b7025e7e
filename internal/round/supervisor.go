package round

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/storyfold/storyfold/internal/gameerr"
)

const (
	// DefaultInactiveAfter is how long a user may be silent before the
	// startup sweep evicts them from idle lobbies and drops their row.
	DefaultInactiveAfter = 5 * time.Minute
	// DefaultDisconnectGrace is how long a disconnected user may stay in a
	// lobby before being treated as having left.
	DefaultDisconnectGrace = 10 * time.Second
)

// Supervisor owns presence and crash recovery: it rehydrates in-flight rounds
// after a restart and converts unrecovered disconnects into leaves.
type Supervisor struct {
	engine          *Engine
	store           Store
	clock           clockwork.Clock
	inactiveAfter   time.Duration
	disconnectGrace time.Duration

	mu          sync.Mutex
	graceTimers map[uuid.UUID]clockwork.Timer
}

func NewSupervisor(engine *Engine, store Store, clock clockwork.Clock) *Supervisor {
	return &Supervisor{
		engine:          engine,
		store:           store,
		clock:           clock,
		inactiveAfter:   DefaultInactiveAfter,
		disconnectGrace: DefaultDisconnectGrace,
		graceTimers:     make(map[uuid.UUID]clockwork.Timer),
	}
}

// SetTimeouts overrides the default eviction windows. Call before the
// supervisor starts arming timers.
func (s *Supervisor) SetTimeouts(inactiveAfter, disconnectGrace time.Duration) {
	if inactiveAfter > 0 {
		s.inactiveAfter = inactiveAfter
	}
	if disconnectGrace > 0 {
		s.disconnectGrace = disconnectGrace
	}
}

// RecoverOnStartup evicts stale users and re-arms round timers from durable
// state, so a server restart neither strands a round nor keeps ghost members.
func (s *Supervisor) RecoverOnStartup(ctx context.Context) error {
	if err := s.evictInactiveUsers(ctx); err != nil {
		return err
	}
	return s.rearmRoundTimers(ctx)
}

func (s *Supervisor) evictInactiveUsers(ctx context.Context) error {
	cutoff := s.clock.Now().UTC().Add(-s.inactiveAfter)
	stale, err := s.store.ListInactiveUsers(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, user := range stale {
		if user.LobbyCode != nil {
			lobby, err := s.store.GetLobby(ctx, *user.LobbyCode)
			if err != nil && !errors.Is(err, gameerr.ErrLobbyNotFound) {
				return err
			}
			// Mid-game members stay: their slot still collects placeholders
			// and kicking them would strand their reconnect.
			if err == nil && lobby.InProgress() {
				continue
			}
			if _, err := s.engine.LeaveLobby(ctx, user.ID, *user.LobbyCode); err != nil && !errors.Is(err, gameerr.ErrNotInLobby) && !errors.Is(err, gameerr.ErrLobbyNotFound) {
				return err
			}
		}
		err := s.store.WithTx(ctx, func(tx Tx) error {
			return tx.DeleteUser(ctx, user.ID)
		})
		if err != nil {
			return err
		}
		log.Info().Str("user_id", user.ID.String()).Time("last_active", user.LastActiveAt).Msg("evicted inactive user")
	}
	return nil
}

func (s *Supervisor) rearmRoundTimers(ctx context.Context) error {
	lobbies, err := s.store.ListActiveLobbies(ctx)
	if err != nil {
		return err
	}
	for _, lobby := range lobbies {
		if lobby.RoundEndAt == nil {
			// Untimed round; only submissions advance it.
			continue
		}
		if !lobby.RoundEndAt.After(s.clock.Now()) {
			log.Info().
				Str("lobby_code", lobby.Code).
				Int("round", lobby.Round).
				Time("round_end_at", *lobby.RoundEndAt).
				Msg("round deadline elapsed during downtime, advancing now")
			if err := s.engine.Advance(ctx, lobby.Code, lobby.Round); err != nil {
				return err
			}
			continue
		}
		s.engine.Scheduler().Schedule(ctx, lobby.Code, lobby.Round, *lobby.RoundEndAt)
		log.Info().
			Str("lobby_code", lobby.Code).
			Int("round", lobby.Round).
			Time("round_end_at", *lobby.RoundEndAt).
			Msg("re-armed round timer after restart")
	}
	return nil
}

// NoteDisconnect arms the grace timer for a user whose last live connection
// dropped. If they have not reconnected when it fires, they leave their lobby.
func (s *Supervisor) NoteDisconnect(ctx context.Context, userID uuid.UUID) {
	timer := s.clock.NewTimer(s.disconnectGrace)

	s.mu.Lock()
	if existing, ok := s.graceTimers[userID]; ok {
		stopAndDrainTimer(existing)
	}
	s.graceTimers[userID] = timer
	s.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			s.clearGraceTimer(userID, timer)
			s.evictDisconnected(ctx, userID)
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			s.clearGraceTimer(userID, timer)
		}
	}()

	log.Debug().Str("user_id", userID.String()).Dur("grace", s.disconnectGrace).Msg("disconnect grace timer armed")
}

// NoteReconnect cancels a pending eviction after the user reconnected in time.
func (s *Supervisor) NoteReconnect(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.graceTimers[userID]; ok {
		stopAndDrainTimer(timer)
		delete(s.graceTimers, userID)
		log.Debug().Str("user_id", userID.String()).Msg("disconnect grace timer cancelled")
	}
}

func (s *Supervisor) clearGraceTimer(userID uuid.UUID, fired clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.graceTimers[userID]; ok && current == fired {
		delete(s.graceTimers, userID)
	}
}

func (s *Supervisor) evictDisconnected(ctx context.Context, userID uuid.UUID) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, gameerr.ErrUserNotFound) {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to load user for grace eviction")
		}
		return
	}
	if user.LobbyCode == nil {
		return
	}
	if _, err := s.engine.LeaveLobby(ctx, userID, *user.LobbyCode); err != nil && !errors.Is(err, gameerr.ErrNotInLobby) && !errors.Is(err, gameerr.ErrLobbyNotFound) {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("grace-period leave failed")
		return
	}
	log.Info().Str("user_id", userID.String()).Str("lobby_code", *user.LobbyCode).Msg("user left lobby after disconnect grace")
}
