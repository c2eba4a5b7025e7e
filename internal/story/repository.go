package story

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/sqlutil"
)

// Repository persists stories and their elements. Elements are append or
// overwrite only: a resubmission truncates the author's elements for the
// round and re-appends, never reorders across rounds.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// CreateStories inserts one story per rotation slot, pinning each slot to
// its contributor. Runs inside the StartGame transaction so story creation is
// all-or-nothing.
func (r *Repository) CreateStories(ctx context.Context, q sqlutil.Querier, lobbyCode string, contributors []models.User) ([]models.Story, error) {
	stories := make([]models.Story, 0, len(contributors))
	for idx, c := range contributors {
		s := models.Story{
			ID:            uuid.New(),
			LobbyCode:     lobbyCode,
			Index:         idx,
			ContributorID: c.ID,
			Name:          c.Nickname,
		}
		_, err := q.Exec(ctx, `
			INSERT INTO stories (id, lobby_code, idx, contributor_id, name)
			VALUES ($1, $2, $3, $4, $5)`,
			s.ID, s.LobbyCode, s.Index, s.ContributorID, s.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create story %d: %w", idx, err)
		}
		stories = append(stories, s)
	}
	return stories, nil
}

const storyColumns = `id, lobby_code, idx, contributor_id, name`

// GetByIndex fetches the story at a rotation slot, without elements.
func (r *Repository) GetByIndex(ctx context.Context, q sqlutil.Querier, lobbyCode string, index int) (*models.Story, error) {
	row := q.QueryRow(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE lobby_code = $1 AND idx = $2`, lobbyCode, index)
	return scanStory(row)
}

// ListByLobby returns a lobby's stories ordered by rotation slot.
func (r *Repository) ListByLobby(ctx context.Context, q sqlutil.Querier, lobbyCode string) ([]models.Story, error) {
	rows, err := q.Query(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE lobby_code = $1 ORDER BY idx`, lobbyCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	var stories []models.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	return stories, nil
}

func scanStory(row pgx.Row) (*models.Story, error) {
	var s models.Story
	err := row.Scan(&s.ID, &s.LobbyCode, &s.Index, &s.ContributorID, &s.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gameerr.ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return &s, nil
}

// GetWithElements fetches the story at a rotation slot including its ordered
// element sequence.
func (r *Repository) GetWithElements(ctx context.Context, q sqlutil.Querier, lobbyCode string, index int) (*models.Story, error) {
	s, err := r.GetByIndex(ctx, q, lobbyCode, index)
	if err != nil {
		return nil, err
	}
	elements, err := r.listElements(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	s.Elements = elements
	return s, nil
}

func (r *Repository) listElements(ctx context.Context, q sqlutil.Querier, storyID uuid.UUID) ([]models.StoryElement, error) {
	rows, err := q.Query(ctx, `
		SELECT story_id, idx, author_id, round, element_type, content
		FROM story_elements WHERE story_id = $1
		ORDER BY idx`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list story elements: %w", err)
	}
	defer rows.Close()

	var elements []models.StoryElement
	for rows.Next() {
		var e models.StoryElement
		if err := rows.Scan(&e.StoryID, &e.Index, &e.AuthorID, &e.Round, &e.Type, &e.Content); err != nil {
			return nil, fmt.Errorf("failed to scan story element: %w", err)
		}
		elements = append(elements, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list story elements: %w", err)
	}
	return elements, nil
}

// ReplaceElements implements upsert-and-truncate for one author's round
// contribution: drop anything the author already wrote for this round, then
// append the new elements after the story's current tail.
func (r *Repository) ReplaceElements(ctx context.Context, q sqlutil.Querier, storyID, authorID uuid.UUID, round int, elements []models.StoryElement) error {
	_, err := q.Exec(ctx, `
		DELETE FROM story_elements
		WHERE story_id = $1 AND author_id = $2 AND round = $3`,
		storyID, authorID, round)
	if err != nil {
		return fmt.Errorf("failed to truncate round elements: %w", err)
	}

	next, err := r.nextIndex(ctx, q, storyID)
	if err != nil {
		return err
	}
	for i, e := range elements {
		_, err := q.Exec(ctx, `
			INSERT INTO story_elements (story_id, idx, author_id, round, element_type, content)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			storyID, next+i, authorID, round, e.Type, e.Content)
		if err != nil {
			return fmt.Errorf("failed to insert story element: %w", err)
		}
	}
	return nil
}

// InsertPlaceholder appends the empty element that keeps a story's round
// sequence gap-free when an author never submitted.
func (r *Repository) InsertPlaceholder(ctx context.Context, q sqlutil.Querier, storyID, authorID uuid.UUID, round int) error {
	next, err := r.nextIndex(ctx, q, storyID)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO story_elements (story_id, idx, author_id, round, element_type, content)
		VALUES ($1, $2, $3, $4, $5, '')`,
		storyID, next, authorID, round, models.ElementTypeEmpty)
	if err != nil {
		return fmt.Errorf("failed to insert placeholder element: %w", err)
	}
	return nil
}

// HasElementsForRound reports whether an author already has elements recorded
// against a story for the given round.
func (r *Repository) HasElementsForRound(ctx context.Context, q sqlutil.Querier, storyID, authorID uuid.UUID, round int) (bool, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM story_elements
		WHERE story_id = $1 AND author_id = $2 AND round = $3`,
		storyID, authorID, round).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count round elements: %w", err)
	}
	return n > 0, nil
}

// DeleteByLobby removes all stories for a lobby; elements cascade.
func (r *Repository) DeleteByLobby(ctx context.Context, q sqlutil.Querier, lobbyCode string) error {
	if _, err := q.Exec(ctx, `DELETE FROM stories WHERE lobby_code = $1`, lobbyCode); err != nil {
		return fmt.Errorf("failed to delete lobby stories: %w", err)
	}
	return nil
}

func (r *Repository) nextIndex(ctx context.Context, q sqlutil.Querier, storyID uuid.UUID) (int, error) {
	var next int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(MAX(idx) + 1, 0) FROM story_elements WHERE story_id = $1`, storyID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next element index: %w", err)
	}
	return next, nil
}
