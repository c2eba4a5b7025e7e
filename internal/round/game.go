package round

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/storyfold/storyfold/internal/events"
	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/rotation"
)

// StartGame creates one story per current member and advances straight to
// round 1. Host-only, valid only before a game is running.
func (e *Engine) StartGame(ctx context.Context, userID uuid.UUID, code string) (*models.Lobby, error) {
	var (
		startAt      time.Time
		endAt        *time.Time
		storiesCount int
	)
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if lobby.HostUserID != userID {
			return gameerr.ErrNotHost
		}
		if lobby.Round != models.RoundNotStarted {
			return gameerr.ErrAlreadyStarted
		}
		members, err := tx.ListMembers(ctx, code)
		if err != nil {
			return err
		}
		if len(members) < minPlayers {
			return gameerr.ErrNotEnoughPlayers
		}
		if _, err := tx.CreateStories(ctx, code, members); err != nil {
			return err
		}
		storiesCount = len(members)

		startAt, endAt = e.roundWindow(lobby.Settings)
		return tx.UpdateRoundState(ctx, code, 1, 0, &startAt, endAt)
	})
	if err != nil {
		return nil, err
	}

	payload := events.GameStartedPayload{
		StoriesCount: storiesCount,
		Round:        1,
		RoundStartAt: startAt,
	}
	if endAt != nil {
		payload.RoundEndAt = *endAt
		e.sched.Schedule(ctx, code, 1, *endAt)
	}
	e.publish(code, events.TypeGameStarted, payload)
	e.publishAssignments(ctx, code, 1)

	log.Info().Str("lobby_code", code).Int("stories", storiesCount).Msg("game started")
	return e.Snapshot(ctx, code)
}

// SubmitElements records the caller's contribution for the current round.
// Idempotent against duplicate submissions: the ready flag is checked under
// the lobby row lock, so a double submit changes usersSubmitted once.
func (e *Engine) SubmitElements(ctx context.Context, userID uuid.UUID, code string, elements []models.StoryElement) (*events.SubmissionPayload, error) {
	var payload events.SubmissionPayload
	var round, total, submitted int
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if !lobby.InProgress() {
			return gameerr.ErrGameNotStarted
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.LobbyCode == nil || *user.LobbyCode != code {
			return gameerr.ErrNotInLobby
		}
		if user.Ready {
			return gameerr.ErrAlreadySubmitted
		}

		target, err := e.assignedStory(ctx, tx, lobby, userID)
		if err != nil {
			return err
		}
		clamped := clampElements(elements, lobby.Settings)
		if err := tx.ReplaceElements(ctx, target.ID, userID, lobby.Round, clamped); err != nil {
			return err
		}
		if err := tx.SetReady(ctx, userID, true); err != nil {
			return err
		}
		submitted = lobby.UsersSubmitted + 1
		if err := tx.SetUsersSubmitted(ctx, code, submitted); err != nil {
			return err
		}

		members, err := tx.ListMembers(ctx, code)
		if err != nil {
			return err
		}
		total = len(members)
		round = lobby.Round
		payload = events.SubmissionPayload{
			UserID:         userID.String(),
			UsersSubmitted: submitted,
			UsersTotal:     total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(code, events.TypeSubmissionReceived, payload)

	if submitted >= total {
		if err := e.Advance(ctx, code, round); err != nil {
			return nil, err
		}
	}
	return &payload, nil
}

// UnsubmitElements lets a player revise before the round ends. Their prior
// elements stay recorded and are replaced on resubmission; if the round ends
// first, the recorded elements count and no placeholder is inserted.
func (e *Engine) UnsubmitElements(ctx context.Context, userID uuid.UUID, code string) (*events.SubmissionPayload, error) {
	var payload events.SubmissionPayload
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if !lobby.InProgress() {
			return gameerr.ErrGameNotStarted
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.LobbyCode == nil || *user.LobbyCode != code {
			return gameerr.ErrNotInLobby
		}
		if !user.Ready {
			return gameerr.ErrNotSubmitted
		}
		if err := tx.SetReady(ctx, userID, false); err != nil {
			return err
		}
		submitted := lobby.UsersSubmitted - 1
		if submitted < 0 {
			submitted = 0
		}
		if err := tx.SetUsersSubmitted(ctx, code, submitted); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, code)
		if err != nil {
			return err
		}
		payload = events.SubmissionPayload{
			UserID:         userID.String(),
			UsersSubmitted: submitted,
			UsersTotal:     len(members),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(code, events.TypeSubmissionRetracted, payload)
	return &payload, nil
}

// Advance moves the lobby to the next round, back-filling placeholders for
// anyone who never submitted. expectedRound guards against stale timers: if
// the lobby has moved on since the caller observed it, the call is a no-op.
func (e *Engine) Advance(ctx context.Context, code string, expectedRound int) error {
	var (
		advanced   bool
		finished   bool
		newRound   int
		backfilled int
		startAt    time.Time
		endAt      *time.Time
	)
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if !lobby.InProgress() {
			return nil
		}
		if expectedRound > 0 && lobby.Round != expectedRound {
			log.Debug().
				Str("lobby_code", code).
				Int("expected_round", expectedRound).
				Int("round", lobby.Round).
				Msg("stale advance skipped")
			return nil
		}

		var err error
		backfilled, err = e.reconcile(ctx, tx, lobby)
		if err != nil {
			return err
		}
		if err := tx.ResetReady(ctx, code); err != nil {
			return err
		}

		stories, err := tx.ListStories(ctx, code)
		if err != nil {
			return err
		}
		advanced = true
		newRound = lobby.Round + 1
		if newRound > len(stories) {
			finished = true
			return tx.UpdateRoundState(ctx, code, models.RoundFinished, 0, nil, nil)
		}
		startAt, endAt = e.roundWindow(lobby.Settings)
		return tx.UpdateRoundState(ctx, code, newRound, 0, &startAt, endAt)
	})
	if err != nil || !advanced {
		return err
	}

	if finished {
		e.sched.Cancel(code)
		stories, serr := e.store.ListStories(ctx, code)
		count := 0
		if serr == nil {
			count = len(stories)
		}
		e.publish(code, events.TypeGameFinished, events.GameFinishedPayload{StoriesCount: count})
		log.Info().Str("lobby_code", code).Msg("game finished")
		return nil
	}

	payload := events.RoundAdvancedPayload{
		Round:        newRound,
		RoundStartAt: &startAt,
		Backfilled:   backfilled,
	}
	if endAt != nil {
		payload.RoundEndAt = endAt
		e.sched.Schedule(ctx, code, newRound, *endAt)
	} else {
		e.sched.Cancel(code)
	}
	e.publish(code, events.TypeRoundAdvanced, payload)
	e.publishAssignments(ctx, code, newRound)

	log.Info().
		Str("lobby_code", code).
		Int("round", newRound).
		Int("backfilled", backfilled).
		Msg("round advanced")
	return nil
}

// EndGame aborts a running (or finished) game: all stories and elements are
// deleted and the lobby returns to the not-started state. Host-only.
func (e *Engine) EndGame(ctx context.Context, userID uuid.UUID, code string) (*models.Lobby, error) {
	err := e.store.WithLobby(ctx, code, func(tx Tx, lobby *models.Lobby) error {
		if lobby.HostUserID != userID {
			return gameerr.ErrNotHost
		}
		if lobby.Round == models.RoundNotStarted {
			return gameerr.ErrGameNotStarted
		}
		if err := tx.DeleteStoriesByLobby(ctx, code); err != nil {
			return err
		}
		if err := tx.ResetReady(ctx, code); err != nil {
			return err
		}
		return tx.UpdateRoundState(ctx, code, models.RoundNotStarted, 0, nil, nil)
	})
	if err != nil {
		return nil, err
	}

	e.sched.Cancel(code)
	e.publish(code, events.TypeGameEnded, events.GameEndedPayload{ByUserID: userID.String()})

	snap, err := e.Snapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	e.publish(code, events.TypeLobbyUpdated, events.LobbyUpdatedPayload{Lobby: snap})
	log.Info().Str("lobby_code", code).Str("user_id", userID.String()).Msg("game ended by host")
	return snap, nil
}

// GetAssignedStory returns the story the caller writes into during the
// current round, with its elements so far. Read unlocked.
func (e *Engine) GetAssignedStory(ctx context.Context, userID uuid.UUID, code string) (*models.Story, error) {
	lobby, err := e.store.GetLobby(ctx, code)
	if err != nil {
		return nil, err
	}
	if !lobby.InProgress() {
		return nil, gameerr.ErrGameNotStarted
	}
	stories, err := e.store.ListStories(ctx, code)
	if err != nil {
		return nil, err
	}
	slot, ok := slotFor(stories, userID)
	if !ok {
		return nil, gameerr.ErrNotInLobby
	}
	asg := rotation.New(code, len(stories))
	target, err := asg.StoryIndexFor(slot, lobby.Round)
	if err != nil {
		return nil, err
	}
	return e.store.GetStoryWithElements(ctx, code, target)
}

// PartView is one step of the results playback.
type PartView struct {
	Story        *models.Story `json:"story,omitempty"`
	UserIndex    int           `json:"user_index"`
	StoriesCount int           `json:"stories_count"`
	Part         int           `json:"part"`
}

// StoryAtPart returns the story at the given playback position once the game
// has finished. UserIndex is the caller's own rotation slot (-1 for members
// who held no slot).
func (e *Engine) StoryAtPart(ctx context.Context, userID uuid.UUID, code string, part int) (*PartView, error) {
	lobby, err := e.store.GetLobby(ctx, code)
	if err != nil {
		return nil, err
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.LobbyCode == nil || *user.LobbyCode != code {
		return nil, gameerr.ErrNotInLobby
	}
	if lobby.Round != models.RoundFinished {
		return nil, gameerr.ErrGameNotStarted
	}
	stories, err := e.store.ListStories(ctx, code)
	if err != nil {
		return nil, err
	}
	view := &PartView{StoriesCount: len(stories), Part: part, UserIndex: -1}
	if slot, ok := slotFor(stories, userID); ok {
		view.UserIndex = slot
	}
	if part < 0 || part >= len(stories) {
		// Past the last story: playback is over, only the counters remain.
		return view, nil
	}
	s, err := e.store.GetStoryWithElements(ctx, code, part)
	if err != nil {
		return nil, err
	}
	view.Story = s
	return view, nil
}

// publishAssignments tells each contributor which story they write into for
// the round, addressed to them alone so nobody learns another member's slot
// ahead of the reveal.
func (e *Engine) publishAssignments(ctx context.Context, code string, round int) {
	stories, err := e.store.ListStories(ctx, code)
	if err != nil {
		log.Error().Err(err).Str("lobby_code", code).Msg("failed to load stories for assignment events")
		return
	}
	asg := rotation.New(code, len(stories))
	for _, s := range stories {
		target, err := asg.StoryIndexFor(s.Index, round)
		if err != nil {
			continue
		}
		payload := events.StoryAssignedPayload{Round: round, StoryIndex: target}
		if err := e.pub.PublishToUser(code, s.ContributorID.String(), events.TypeStoryAssigned, payload); err != nil {
			log.Error().Err(err).Str("lobby_code", code).Str("user_id", s.ContributorID.String()).Msg("failed to publish assignment event")
		}
	}
}

// roundWindow computes the round's visible start and deadline from the lobby
// settings. Timer mode off yields no deadline.
func (e *Engine) roundWindow(settings models.LobbySettings) (time.Time, *time.Time) {
	startAt := e.clock.Now().UTC().Add(startGrace)
	if settings.TimerMode == models.TimerModeOff || settings.RoundDurationSec <= 0 {
		return startAt, nil
	}
	dur := time.Duration(settings.RoundDurationSec) * time.Second
	if settings.TimerMode == models.TimerModeFast {
		dur /= 2
	}
	endAt := startAt.Add(dur)
	return startAt, &endAt
}

// assignedStory resolves the caller's target story for the lobby's current
// round via the rotation.
func (e *Engine) assignedStory(ctx context.Context, tx Tx, lobby *models.Lobby, userID uuid.UUID) (*models.Story, error) {
	stories, err := tx.ListStories(ctx, lobby.Code)
	if err != nil {
		return nil, err
	}
	slot, ok := slotFor(stories, userID)
	if !ok {
		return nil, gameerr.ErrNotInLobby
	}
	asg := rotation.New(lobby.Code, len(stories))
	target, err := asg.StoryIndexFor(slot, lobby.Round)
	if err != nil {
		return nil, err
	}
	return tx.GetStory(ctx, lobby.Code, target)
}

// slotFor finds the rotation slot pinned to a user at game start.
func slotFor(stories []models.Story, userID uuid.UUID) (int, bool) {
	for _, s := range stories {
		if s.ContributorID == userID {
			return s.Index, true
		}
	}
	return 0, false
}

// clampElements enforces the per-type content caps from the lobby settings.
func clampElements(elements []models.StoryElement, settings models.LobbySettings) []models.StoryElement {
	out := make([]models.StoryElement, 0, len(elements))
	for _, el := range elements {
		switch el.Type {
		case models.ElementTypeText, models.ElementTypePlace:
			if settings.TextCap > 0 && len(el.Content) > settings.TextCap {
				el.Content = el.Content[:settings.TextCap]
			}
		case models.ElementTypeDrawing:
			if settings.DrawingCap > 0 && len(el.Content) > settings.DrawingCap {
				el.Content = el.Content[:settings.DrawingCap]
			}
		}
		out = append(out, el)
	}
	return out
}
