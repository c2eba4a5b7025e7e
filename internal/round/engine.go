package round

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/storyfold/storyfold/internal/events"
	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
)

const (
	// startGrace delays the visible round start so clients receive the new
	// state before the timer starts counting.
	startGrace = 2 * time.Second

	minPlayers = 2

	codeLength = 5
	// No I, O, 0, 1 lookalikes in join codes.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// Engine drives the lobby and round lifecycle. Every mutating transition runs
// inside a single transaction that locks the lobby row first; timers and
// events are handled strictly after commit.
type Engine struct {
	store Store
	pub   events.Publisher
	sched *Scheduler
	clock clockwork.Clock

	defaults   models.LobbySettings
	numWorkers int
}

func NewEngine(store Store, pub events.Publisher, clock clockwork.Clock, defaults models.LobbySettings) *Engine {
	return &Engine{
		store:      store,
		pub:        pub,
		sched:      NewScheduler(clock),
		clock:      clock,
		defaults:   defaults,
		numWorkers: 4,
	}
}

// Scheduler exposes the engine's timer registry to the supervisor.
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// Run consumes elapsed round deadlines until ctx is cancelled. Each fire is
// re-validated under the lobby lock, so racing fires and user actions cannot
// double-advance a round.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fire := <-e.sched.Fires():
					if err := e.Advance(ctx, fire.LobbyCode, fire.Round); err != nil {
						log.Error().
							Err(err).
							Str("lobby_code", fire.LobbyCode).
							Int("round", fire.Round).
							Int("worker_id", workerID).
							Msg("round advance from timer failed")
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

// CreateLobby creates a lobby with the caller as host and sole member.
func (e *Engine) CreateLobby(ctx context.Context, userID uuid.UUID, nickname string) (*models.Lobby, error) {
	code, err := e.newLobbyCode(ctx)
	if err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpsertUser(ctx, userID, nickname); err != nil {
			return err
		}
		if err := tx.CreateLobby(ctx, &models.Lobby{
			Code:       code,
			HostUserID: userID,
			Round:      models.RoundNotStarted,
			Settings:   e.defaults,
		}); err != nil {
			return err
		}
		return tx.SetUserLobby(ctx, userID, code)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("lobby_code", code).Str("user_id", userID.String()).Msg("lobby created")
	return e.Snapshot(ctx, code)
}

// JoinLobby adds a user to a lobby, or refreshes their membership if they are
// already in it (the reconnect path). A user hopping from another lobby runs
// the leave path there first, so host handoff, counter repair, and
// empty-lobby deletion happen for the lobby they abandon.
func (e *Engine) JoinLobby(ctx context.Context, userID uuid.UUID, nickname, code string) (*models.Lobby, error) {
	if user, err := e.store.GetUser(ctx, userID); err == nil && user.LobbyCode != nil && *user.LobbyCode != code {
		_, err := e.LeaveLobby(ctx, userID, *user.LobbyCode)
		if err != nil && !errors.Is(err, gameerr.ErrNotInLobby) && !errors.Is(err, gameerr.ErrLobbyNotFound) {
			return nil, err
		}
	}

	var rejoined bool
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if err := tx.UpsertUser(ctx, userID, nickname); err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.LobbyCode != nil && *user.LobbyCode == code {
			rejoined = true
			return tx.TouchUser(ctx, userID)
		}
		if lobby.InProgress() {
			return gameerr.ErrAlreadyStarted
		}
		members, err := tx.ListMembers(ctx, code)
		if err != nil {
			return err
		}
		if lobby.Settings.MaxPlayers > 0 && len(members) >= lobby.Settings.MaxPlayers {
			return gameerr.ErrLobbyFull
		}
		return tx.SetUserLobby(ctx, userID, code)
	})
	if err != nil {
		return nil, err
	}

	if !rejoined {
		e.publish(code, events.TypeUserJoined, events.UserJoinedPayload{
			UserID:   userID.String(),
			Nickname: nickname,
		})
	}
	snap, err := e.Snapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	e.publish(code, events.TypeLobbyUpdated, events.LobbyUpdatedPayload{Lobby: snap})
	return snap, nil
}

// LeaveLobby removes a user from a lobby. Returns nil when the lobby was
// deleted because its last member left. Leaving never recomputes the
// rotation; a vacated slot keeps receiving empty placeholders.
func (e *Engine) LeaveLobby(ctx context.Context, userID uuid.UUID, code string) (*models.Lobby, error) {
	var (
		deleted     bool
		newHost     uuid.UUID
		hostChanged bool
		round       int
		submitted   int
		remaining   int
	)
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.LobbyCode == nil || *user.LobbyCode != code {
			return gameerr.ErrNotInLobby
		}
		if err := tx.ClearUserLobby(ctx, userID); err != nil {
			return err
		}

		members, err := tx.ListMembers(ctx, code)
		if err != nil {
			return err
		}
		remaining = len(members)
		round = lobby.Round

		if remaining == 0 {
			deleted = true
			if err := tx.DeleteStoriesByLobby(ctx, code); err != nil {
				return err
			}
			return tx.DeleteLobby(ctx, code)
		}

		if lobby.HostUserID == userID {
			newHost = members[0].ID
			hostChanged = true
			if err := tx.UpdateHost(ctx, code, newHost); err != nil {
				return err
			}
		}

		// Keep usersSubmitted within [0, len(users)]: a ready leaver's
		// submission stays in the story, but the counter tracks members.
		submitted = lobby.UsersSubmitted
		if user.Ready && submitted > 0 {
			submitted--
			if err := tx.SetUsersSubmitted(ctx, code, submitted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deleted {
		e.sched.Cancel(code)
		log.Info().Str("lobby_code", code).Msg("lobby deleted, last member left")
		return nil, nil
	}

	payload := events.UserLeftPayload{UserID: userID.String()}
	if hostChanged {
		payload.NewHostID = newHost.String()
	}
	e.publish(code, events.TypeUserLeft, payload)

	snap, err := e.Snapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	e.publish(code, events.TypeLobbyUpdated, events.LobbyUpdatedPayload{Lobby: snap})

	// The departed user may have been the last straggler of the round.
	if round > 0 && remaining > 0 && submitted >= remaining {
		if err := e.Advance(ctx, code, round); err != nil {
			return nil, err
		}
		return e.Snapshot(ctx, code)
	}
	return snap, nil
}

// Snapshot returns the lobby with its member list attached, read unlocked.
func (e *Engine) Snapshot(ctx context.Context, code string) (*models.Lobby, error) {
	lobby, err := e.store.GetLobby(ctx, code)
	if err != nil {
		return nil, err
	}
	members, err := e.store.ListMembers(ctx, code)
	if err != nil {
		return nil, err
	}
	lobby.Users = members
	return lobby, nil
}

func (e *Engine) newLobbyCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code := randomCode()
		_, err := e.store.GetLobby(ctx, code)
		if errors.Is(err, gameerr.ErrLobbyNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to generate unique lobby code")
}

func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

// publish logs and swallows publish failures: events are display-only and a
// client that misses one recovers from the next lobby snapshot.
func (e *Engine) publish(code string, eventType events.Type, payload any) {
	if err := e.pub.Publish(code, eventType, payload); err != nil {
		log.Error().Err(err).Str("lobby_code", code).Str("event_type", string(eventType)).Msg("failed to publish event")
	}
}
