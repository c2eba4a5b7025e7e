package round

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/storyfold/storyfold/internal/models"
)

// Store is what the engine needs from the durable layer. The production
// implementation runs on Postgres (internal/store); tests use an in-memory
// fake with the same serialization semantics.
type Store interface {
	// WithLobby runs fn inside a transaction that holds the exclusive lease
	// on the lobby row for its whole duration. This is the only mutual
	// exclusion the engine relies on: every racing transition for one lobby
	// serializes here, whichever process or timer it came from.
	WithLobby(ctx context.Context, code string, fn func(tx Tx, lobby *models.Lobby) error) error

	// WithTx runs fn inside a plain transaction, for mutations that happen
	// before a lobby row exists.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Unlocked reads. These need not observe a linearizable snapshot.
	GetLobby(ctx context.Context, code string) (*models.Lobby, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListMembers(ctx context.Context, code string) ([]models.User, error)
	ListStories(ctx context.Context, code string) ([]models.Story, error)
	GetStoryWithElements(ctx context.Context, code string, index int) (*models.Story, error)
	ListActiveLobbies(ctx context.Context) ([]*models.Lobby, error)
	ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]models.User, error)
}

// Tx exposes the mutations and locked reads available inside one transaction.
// Any error returned to the closure rolls the whole transition back.
type Tx interface {
	CreateLobby(ctx context.Context, l *models.Lobby) error
	UpdateRoundState(ctx context.Context, code string, round, usersSubmitted int, startAt, endAt *time.Time) error
	SetUsersSubmitted(ctx context.Context, code string, count int) error
	UpdateSettings(ctx context.Context, code string, settings models.LobbySettings) error
	UpdateHost(ctx context.Context, code string, hostUserID uuid.UUID) error
	DeleteLobby(ctx context.Context, code string) error

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListMembers(ctx context.Context, code string) ([]models.User, error)
	UpsertUser(ctx context.Context, id uuid.UUID, nickname string) error
	SetUserLobby(ctx context.Context, id uuid.UUID, code string) error
	ClearUserLobby(ctx context.Context, id uuid.UUID) error
	SetReady(ctx context.Context, id uuid.UUID, ready bool) error
	ResetReady(ctx context.Context, code string) error
	TouchUser(ctx context.Context, id uuid.UUID) error
	DeleteUser(ctx context.Context, id uuid.UUID) error

	CreateStories(ctx context.Context, code string, contributors []models.User) ([]models.Story, error)
	ListStories(ctx context.Context, code string) ([]models.Story, error)
	GetStory(ctx context.Context, code string, index int) (*models.Story, error)
	ReplaceElements(ctx context.Context, storyID, authorID uuid.UUID, round int, elements []models.StoryElement) error
	InsertPlaceholder(ctx context.Context, storyID, authorID uuid.UUID, round int) error
	HasElementsForRound(ctx context.Context, storyID, authorID uuid.UUID, round int) (bool, error)
	DeleteStoriesByLobby(ctx context.Context, code string) error
}
