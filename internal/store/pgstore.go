// Package store provides the Postgres-backed durable store for the round
// engine. The exclusive lease on a lobby aggregate is a SELECT ... FOR UPDATE
// on the lobby row, held for the duration of the transaction.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyfold/storyfold/internal/lobby"
	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/round"
	"github.com/storyfold/storyfold/internal/sqlutil"
	"github.com/storyfold/storyfold/internal/story"
)

type PgStore struct {
	pool    *pgxpool.Pool
	lobbies *lobby.Repository
	stories *story.Repository
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		pool:    pool,
		lobbies: lobby.NewRepository(),
		stories: story.NewRepository(),
	}
}

func (s *PgStore) WithLobby(ctx context.Context, code string, fn func(tx round.Tx, l *models.Lobby) error) error {
	return sqlutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := s.lobbies.GetByCodeForUpdate(ctx, tx, code)
		if err != nil {
			return err
		}
		return fn(&pgTx{q: tx, lobbies: s.lobbies, stories: s.stories}, locked)
	})
}

func (s *PgStore) WithTx(ctx context.Context, fn func(tx round.Tx) error) error {
	return sqlutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx, lobbies: s.lobbies, stories: s.stories})
	})
}

func (s *PgStore) GetLobby(ctx context.Context, code string) (*models.Lobby, error) {
	return s.lobbies.GetByCode(ctx, s.pool, code)
}

func (s *PgStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.lobbies.GetUser(ctx, s.pool, id)
}

func (s *PgStore) ListMembers(ctx context.Context, code string) ([]models.User, error) {
	return s.lobbies.ListMembers(ctx, s.pool, code)
}

func (s *PgStore) ListStories(ctx context.Context, code string) ([]models.Story, error) {
	return s.stories.ListByLobby(ctx, s.pool, code)
}

func (s *PgStore) GetStoryWithElements(ctx context.Context, code string, index int) (*models.Story, error) {
	return s.stories.GetWithElements(ctx, s.pool, code, index)
}

func (s *PgStore) ListActiveLobbies(ctx context.Context) ([]*models.Lobby, error) {
	return s.lobbies.ListActive(ctx, s.pool)
}

func (s *PgStore) ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]models.User, error) {
	return s.lobbies.ListInactiveUsers(ctx, s.pool, cutoff)
}

// pgTx adapts the repositories to the engine's transaction interface.
type pgTx struct {
	q       pgx.Tx
	lobbies *lobby.Repository
	stories *story.Repository
}

var _ round.Tx = (*pgTx)(nil)

func (t *pgTx) CreateLobby(ctx context.Context, l *models.Lobby) error {
	return t.lobbies.Create(ctx, t.q, l)
}

func (t *pgTx) UpdateRoundState(ctx context.Context, code string, rnd, usersSubmitted int, startAt, endAt *time.Time) error {
	return t.lobbies.UpdateRoundState(ctx, t.q, code, rnd, usersSubmitted, startAt, endAt)
}

func (t *pgTx) SetUsersSubmitted(ctx context.Context, code string, count int) error {
	return t.lobbies.SetUsersSubmitted(ctx, t.q, code, count)
}

func (t *pgTx) UpdateSettings(ctx context.Context, code string, settings models.LobbySettings) error {
	return t.lobbies.UpdateSettings(ctx, t.q, code, settings)
}

func (t *pgTx) UpdateHost(ctx context.Context, code string, hostUserID uuid.UUID) error {
	return t.lobbies.UpdateHost(ctx, t.q, code, hostUserID)
}

func (t *pgTx) DeleteLobby(ctx context.Context, code string) error {
	return t.lobbies.Delete(ctx, t.q, code)
}

func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return t.lobbies.GetUser(ctx, t.q, id)
}

func (t *pgTx) ListMembers(ctx context.Context, code string) ([]models.User, error) {
	return t.lobbies.ListMembers(ctx, t.q, code)
}

func (t *pgTx) UpsertUser(ctx context.Context, id uuid.UUID, nickname string) error {
	return t.lobbies.UpsertUser(ctx, t.q, id, nickname)
}

func (t *pgTx) SetUserLobby(ctx context.Context, id uuid.UUID, code string) error {
	return t.lobbies.SetUserLobby(ctx, t.q, id, code)
}

func (t *pgTx) ClearUserLobby(ctx context.Context, id uuid.UUID) error {
	return t.lobbies.ClearUserLobby(ctx, t.q, id)
}

func (t *pgTx) SetReady(ctx context.Context, id uuid.UUID, ready bool) error {
	return t.lobbies.SetReady(ctx, t.q, id, ready)
}

func (t *pgTx) ResetReady(ctx context.Context, code string) error {
	return t.lobbies.ResetReady(ctx, t.q, code)
}

func (t *pgTx) TouchUser(ctx context.Context, id uuid.UUID) error {
	return t.lobbies.TouchUser(ctx, t.q, id)
}

func (t *pgTx) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return t.lobbies.DeleteUser(ctx, t.q, id)
}

func (t *pgTx) CreateStories(ctx context.Context, code string, contributors []models.User) ([]models.Story, error) {
	return t.stories.CreateStories(ctx, t.q, code, contributors)
}

func (t *pgTx) ListStories(ctx context.Context, code string) ([]models.Story, error) {
	return t.stories.ListByLobby(ctx, t.q, code)
}

func (t *pgTx) GetStory(ctx context.Context, code string, index int) (*models.Story, error) {
	return t.stories.GetByIndex(ctx, t.q, code, index)
}

func (t *pgTx) ReplaceElements(ctx context.Context, storyID, authorID uuid.UUID, rnd int, elements []models.StoryElement) error {
	return t.stories.ReplaceElements(ctx, t.q, storyID, authorID, rnd, elements)
}

func (t *pgTx) InsertPlaceholder(ctx context.Context, storyID, authorID uuid.UUID, rnd int) error {
	return t.stories.InsertPlaceholder(ctx, t.q, storyID, authorID, rnd)
}

func (t *pgTx) HasElementsForRound(ctx context.Context, storyID, authorID uuid.UUID, rnd int) (bool, error) {
	return t.stories.HasElementsForRound(ctx, t.q, storyID, authorID, rnd)
}

func (t *pgTx) DeleteStoriesByLobby(ctx context.Context, code string) error {
	return t.stories.DeleteByLobby(ctx, t.q, code)
}
