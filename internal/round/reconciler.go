package round

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/rotation"
)

// reconcile back-fills an empty placeholder element for every rotation slot
// whose contributor did not submit this round, so no story is left with a gap
// in its element sequence. Runs inside the advance transaction, before the
// round counter changes.
func (e *Engine) reconcile(ctx context.Context, tx Tx, lobby *models.Lobby) (int, error) {
	stories, err := tx.ListStories(ctx, lobby.Code)
	if err != nil {
		return 0, err
	}
	members, err := tx.ListMembers(ctx, lobby.Code)
	if err != nil {
		return 0, err
	}
	ready := make(map[string]bool, len(members))
	for _, m := range members {
		if m.Ready {
			ready[m.ID.String()] = true
		}
	}

	asg := rotation.New(lobby.Code, len(stories))
	backfilled := 0
	for _, s := range stories {
		author := s.ContributorID
		if ready[author.String()] {
			continue
		}
		target, err := asg.StoryIndexFor(s.Index, lobby.Round)
		if err != nil {
			return 0, err
		}
		targetStory := &stories[target]

		// An unsubmit after writing leaves elements behind; those count and
		// need no placeholder.
		has, err := tx.HasElementsForRound(ctx, targetStory.ID, author, lobby.Round)
		if err != nil {
			return 0, err
		}
		if has {
			continue
		}
		if err := tx.InsertPlaceholder(ctx, targetStory.ID, author, lobby.Round); err != nil {
			return 0, err
		}
		backfilled++
		log.Debug().
			Str("lobby_code", lobby.Code).
			Str("author_id", author.String()).
			Int("round", lobby.Round).
			Int("story_index", target).
			Msg("backfilled missing submission")
	}
	return backfilled, nil
}
