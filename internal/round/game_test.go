package round

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyfold/storyfold/internal/events"
	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/rotation"
)

func TestSubmitIsIdempotent(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(3)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	payload, err := r.engine.SubmitElements(r.ctx, users[0], code, textElements("once"))
	require.NoError(t, err)
	assert.Equal(t, 1, payload.UsersSubmitted)
	assert.Equal(t, 3, payload.UsersTotal)

	_, err = r.engine.SubmitElements(r.ctx, users[0], code, textElements("twice"))
	assert.ErrorIs(t, err, gameerr.ErrAlreadySubmitted)
	assert.Equal(t, 1, r.lobby(code).UsersSubmitted)
}

func TestUnsubmitAndResubmit(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(3)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	_, err = r.engine.UnsubmitElements(r.ctx, users[0], code)
	assert.ErrorIs(t, err, gameerr.ErrNotSubmitted)

	_, err = r.engine.SubmitElements(r.ctx, users[0], code, textElements("draft"))
	require.NoError(t, err)

	payload, err := r.engine.UnsubmitElements(r.ctx, users[0], code)
	require.NoError(t, err)
	assert.Equal(t, 0, payload.UsersSubmitted)

	// Resubmission replaces the draft rather than appending to it.
	_, err = r.engine.SubmitElements(r.ctx, users[0], code, textElements("final"))
	require.NoError(t, err)

	story, err := r.engine.GetAssignedStory(r.ctx, users[0], code)
	require.NoError(t, err)
	require.Len(t, story.Elements, 1)
	assert.Equal(t, "final", story.Elements[0].Content)
}

// Two members racing their submissions must both land and be counted once
// each; WithLobby serializes them like the row lock does in Postgres.
func TestConcurrentSubmits(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(3)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.engine.SubmitElements(r.ctx, users[i], code, textElements("race"))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 2, r.lobby(code).UsersSubmitted)
	assert.Equal(t, 1, r.lobby(code).Round)
}

// When the round advances with members still unsubmitted, each of their
// rotation slots receives exactly one empty placeholder in the story they
// were assigned to.
func TestAdvanceBackfillsPlaceholders(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(3)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	_, err = r.engine.SubmitElements(r.ctx, users[0], code, textElements("only one"))
	require.NoError(t, err)

	require.NoError(t, r.engine.Advance(r.ctx, code, 1))

	lobby := r.lobby(code)
	assert.Equal(t, 2, lobby.Round)
	assert.Equal(t, 0, lobby.UsersSubmitted)

	stories, err := r.store.ListStories(r.ctx, code)
	require.NoError(t, err)
	asg := rotation.New(code, len(stories))

	placeholders := 0
	for _, s := range stories {
		full, err := r.store.GetStoryWithElements(r.ctx, code, s.Index)
		require.NoError(t, err)
		for _, el := range full.Elements {
			require.Equal(t, 1, el.Round)
			if el.Type != models.ElementTypeEmpty {
				continue
			}
			placeholders++
			// The placeholder sits in the story its author was assigned to.
			slot := slotOf(t, stories, el.AuthorID)
			target, err := asg.StoryIndexFor(slot, 1)
			require.NoError(t, err)
			assert.Equal(t, target, s.Index)
			assert.NotEqual(t, users[0], el.AuthorID)
		}
	}
	assert.Equal(t, 2, placeholders)
}

func slotOf(t *testing.T, stories []models.Story, author uuid.UUID) int {
	t.Helper()
	for _, s := range stories {
		if s.ContributorID == author {
			return s.Index
		}
	}
	t.Fatalf("no slot for author %s", author)
	return -1
}

// Starting a game and advancing a round both push each contributor their own
// rotation slot, addressed to that user rather than the room.
func TestAssignmentEventsPerUser(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(3)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	stories, err := r.store.ListStories(r.ctx, code)
	require.NoError(t, err)
	asg := rotation.New(code, len(stories))

	assigned := func(round int) map[string]int {
		got := map[string]int{}
		for _, ev := range r.pub.Recorded {
			if ev.EventType != events.TypeStoryAssigned {
				continue
			}
			payload := ev.Payload.(events.StoryAssignedPayload)
			if payload.Round != round {
				continue
			}
			require.NotEmpty(t, ev.UserID)
			got[ev.UserID] = payload.StoryIndex
		}
		return got
	}

	round1 := assigned(1)
	require.Len(t, round1, 3)
	for _, s := range stories {
		want, err := asg.StoryIndexFor(s.Index, 1)
		require.NoError(t, err)
		assert.Equal(t, want, round1[s.ContributorID.String()])
	}

	require.NoError(t, r.engine.Advance(r.ctx, code, 1))
	round2 := assigned(2)
	require.Len(t, round2, 3)
	for _, s := range stories {
		want, err := asg.StoryIndexFor(s.Index, 2)
		require.NoError(t, err)
		assert.Equal(t, want, round2[s.ContributorID.String()])
	}
}

// A stale timer fire for a round the lobby already left must not advance it.
func TestAdvanceStaleRoundIsNoop(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	require.NoError(t, r.engine.Advance(r.ctx, code, 1))
	require.Equal(t, 2, r.lobby(code).Round)

	require.NoError(t, r.engine.Advance(r.ctx, code, 1))
	assert.Equal(t, 2, r.lobby(code).Round)
}

// Full three-player game with everyone submitting: three rounds, then the
// finished state with playback available.
func TestFullGame(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(3)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	for round := 1; round <= 3; round++ {
		for i, u := range users {
			require.Equal(t, round, r.lobby(code).Round)
			_, err := r.engine.SubmitElements(r.ctx, u, code, textElements(nickname(i)))
			require.NoError(t, err)
		}
	}

	lobby := r.lobby(code)
	assert.Equal(t, models.RoundFinished, lobby.Round)
	assert.Equal(t, 0, lobby.UsersSubmitted)
	assert.Nil(t, lobby.RoundStartAt)
	assert.Nil(t, lobby.RoundEndAt)

	// Each story collected one element per round from three distinct authors.
	for idx := 0; idx < 3; idx++ {
		story, err := r.store.GetStoryWithElements(r.ctx, code, idx)
		require.NoError(t, err)
		require.Len(t, story.Elements, 3)
		authors := map[string]bool{}
		for i, el := range story.Elements {
			assert.Equal(t, i+1, el.Round)
			assert.Equal(t, i, el.Index)
			authors[el.AuthorID.String()] = true
		}
		assert.Len(t, authors, 3)
	}

	assert.Contains(t, r.pub.Types(), events.TypeGameFinished)
}

func TestStoryAtPartPlayback(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)
	for round := 1; round <= 2; round++ {
		for _, u := range users {
			_, err := r.engine.SubmitElements(r.ctx, u, code, textElements("x"))
			require.NoError(t, err)
		}
	}
	require.Equal(t, models.RoundFinished, r.lobby(code).Round)

	view, err := r.engine.StoryAtPart(r.ctx, users[0], code, 0)
	require.NoError(t, err)
	require.NotNil(t, view.Story)
	assert.Equal(t, 2, view.StoriesCount)
	assert.Equal(t, 0, view.Story.Index)
	assert.GreaterOrEqual(t, view.UserIndex, 0)

	// Past the last story the playback is over and only counters remain.
	view, err = r.engine.StoryAtPart(r.ctx, users[0], code, 2)
	require.NoError(t, err)
	assert.Nil(t, view.Story)
	assert.Equal(t, 2, view.Part)
}

func TestStoryAtPartBeforeFinish(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	_, err = r.engine.StoryAtPart(r.ctx, users[0], code, 0)
	assert.ErrorIs(t, err, gameerr.ErrGameNotStarted)
}

func TestEndGameResetsLobby(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)
	_, err = r.engine.SubmitElements(r.ctx, users[1], code, textElements("gone"))
	require.NoError(t, err)

	_, err = r.engine.EndGame(r.ctx, users[1], code)
	assert.ErrorIs(t, err, gameerr.ErrNotHost)

	lobby, err := r.engine.EndGame(r.ctx, users[0], code)
	require.NoError(t, err)
	assert.Equal(t, models.RoundNotStarted, lobby.Round)
	assert.Equal(t, 0, lobby.UsersSubmitted)

	stories, err := r.store.ListStories(r.ctx, code)
	require.NoError(t, err)
	assert.Empty(t, stories)

	// Everyone is unready again; a fresh game can start.
	_, err = r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)
	assert.Equal(t, 0, r.lobby(code).UsersSubmitted)
}

func TestContentCapsClampSubmissions(t *testing.T) {
	r := newRig(t, models.LobbySettings{TimerMode: models.TimerModeOff, TextCap: 4, DrawingCap: 2})
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	_, err = r.engine.SubmitElements(r.ctx, users[0], code, []models.StoryElement{
		{Type: models.ElementTypeText, Content: strings.Repeat("t", 10)},
		{Type: models.ElementTypeDrawing, Content: strings.Repeat("d", 10)},
		{Type: models.ElementTypeAudio, Content: strings.Repeat("a", 10)},
	})
	require.NoError(t, err)

	story, err := r.engine.GetAssignedStory(r.ctx, users[0], code)
	require.NoError(t, err)
	require.Len(t, story.Elements, 3)
	assert.Len(t, story.Elements[0].Content, 4)
	assert.Len(t, story.Elements[1].Content, 2)
	assert.Len(t, story.Elements[2].Content, 10)
}

// With a timed round, the deadline elapsing advances the round through the
// scheduler and the engine's worker pool.
func TestTimerDrivenAdvance(t *testing.T) {
	r := newRig(t, timedSettings(60))
	code, users := r.newLobby(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.engine.Run(ctx)

	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)
	lobby := r.lobby(code)
	require.NotNil(t, lobby.RoundEndAt)

	r.clock.BlockUntil(1)
	r.clock.Advance(startGrace + 61*time.Second)

	require.Eventually(t, func() bool {
		return r.lobby(code).Round == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The new round gets its own deadline.
	assert.NotNil(t, r.lobby(code).RoundEndAt)
}

// Fast mode halves the configured round duration.
func TestFastTimerMode(t *testing.T) {
	r := newRig(t, models.LobbySettings{TimerMode: models.TimerModeFast, RoundDurationSec: 60})
	code, users := r.newLobby(2)

	lobby, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)
	require.NotNil(t, lobby.RoundStartAt)
	require.NotNil(t, lobby.RoundEndAt)
	assert.Equal(t, 30*time.Second, lobby.RoundEndAt.Sub(*lobby.RoundStartAt))
}
