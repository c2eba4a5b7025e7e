package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/sqlutil"
)

// Repository persists lobbies and users. Methods take a sqlutil.Querier so
// they run against the pool for reads or inside the engine's transaction for
// mutations.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const lobbyColumns = `code, host_user_id, round, users_submitted, round_start_at, round_end_at, settings, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, q sqlutil.Querier, l *models.Lobby) error {
	settingsBytes, err := json.Marshal(l.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal lobby settings: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO lobbies (code, host_user_id, round, users_submitted, settings)
		VALUES ($1, $2, $3, $4, $5)`,
		l.Code, l.HostUserID, l.Round, l.UsersSubmitted, settingsBytes)
	if err != nil {
		return fmt.Errorf("failed to create lobby: %w", err)
	}
	return nil
}

func (r *Repository) GetByCode(ctx context.Context, q sqlutil.Querier, code string) (*models.Lobby, error) {
	row := q.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE code = $1`, code)
	return r.scanLobby(row)
}

// GetByCodeForUpdate acquires the row lock that serializes all state
// transitions for a lobby. Must be called on a pgx.Tx.
func (r *Repository) GetByCodeForUpdate(ctx context.Context, q sqlutil.Querier, code string) (*models.Lobby, error) {
	row := q.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE code = $1 FOR UPDATE`, code)
	return r.scanLobby(row)
}

func (r *Repository) scanLobby(row pgx.Row) (*models.Lobby, error) {
	var l models.Lobby
	var settingsBytes []byte
	err := row.Scan(&l.Code, &l.HostUserID, &l.Round, &l.UsersSubmitted,
		&l.RoundStartAt, &l.RoundEndAt, &settingsBytes, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gameerr.ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lobby: %w", err)
	}
	if err := json.Unmarshal(settingsBytes, &l.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lobby settings: %w", err)
	}
	return &l, nil
}

// UpdateRoundState writes the round counter, submission count and round
// window in one statement so a transition commits atomically.
func (r *Repository) UpdateRoundState(ctx context.Context, q sqlutil.Querier, code string, round, usersSubmitted int, startAt, endAt *time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE lobbies
		SET round = $2, users_submitted = $3, round_start_at = $4, round_end_at = $5, updated_at = now()
		WHERE code = $1`,
		code, round, usersSubmitted, startAt, endAt)
	if err != nil {
		return fmt.Errorf("failed to update round state: %w", err)
	}
	return nil
}

func (r *Repository) SetUsersSubmitted(ctx context.Context, q sqlutil.Querier, code string, count int) error {
	_, err := q.Exec(ctx, `UPDATE lobbies SET users_submitted = $2, updated_at = now() WHERE code = $1`, code, count)
	if err != nil {
		return fmt.Errorf("failed to update users_submitted: %w", err)
	}
	return nil
}

func (r *Repository) UpdateSettings(ctx context.Context, q sqlutil.Querier, code string, settings models.LobbySettings) error {
	settingsBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal lobby settings: %w", err)
	}
	_, err = q.Exec(ctx, `UPDATE lobbies SET settings = $2, updated_at = now() WHERE code = $1`, code, settingsBytes)
	if err != nil {
		return fmt.Errorf("failed to update lobby settings: %w", err)
	}
	return nil
}

func (r *Repository) UpdateHost(ctx context.Context, q sqlutil.Querier, code string, hostUserID uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE lobbies SET host_user_id = $2, updated_at = now() WHERE code = $1`, code, hostUserID)
	if err != nil {
		return fmt.Errorf("failed to update lobby host: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, q sqlutil.Querier, code string) error {
	if _, err := q.Exec(ctx, `DELETE FROM lobbies WHERE code = $1`, code); err != nil {
		return fmt.Errorf("failed to delete lobby: %w", err)
	}
	return nil
}

// ListActive returns lobbies with a game in progress, for startup recovery.
func (r *Repository) ListActive(ctx context.Context, q sqlutil.Querier) ([]*models.Lobby, error) {
	rows, err := q.Query(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE round > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active lobbies: %w", err)
	}
	defer rows.Close()

	var lobbies []*models.Lobby
	for rows.Next() {
		l, err := r.scanLobby(rows)
		if err != nil {
			return nil, err
		}
		lobbies = append(lobbies, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list active lobbies: %w", err)
	}
	return lobbies, nil
}

// ListMembers returns the lobby's users in join order. Join order is the
// user's index into the rotation, so ordering must be stable.
func (r *Repository) ListMembers(ctx context.Context, q sqlutil.Querier, code string) ([]models.User, error) {
	rows, err := q.Query(ctx, `
		SELECT id, nickname, lobby_code, ready, last_active_at, joined_at
		FROM users WHERE lobby_code = $1
		ORDER BY joined_at, id`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list lobby members: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.LobbyCode, &u.Ready, &u.LastActiveAt, &u.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lobby member: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list lobby members: %w", err)
	}
	return users, nil
}

func (r *Repository) GetUser(ctx context.Context, q sqlutil.Querier, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := q.QueryRow(ctx, `
		SELECT id, nickname, lobby_code, ready, last_active_at, joined_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Nickname, &u.LobbyCode, &u.Ready, &u.LastActiveAt, &u.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gameerr.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// UpsertUser registers or refreshes a user row on connect. The nickname
// follows the latest connect; membership and ready state are untouched.
func (r *Repository) UpsertUser(ctx context.Context, q sqlutil.Querier, id uuid.UUID, nickname string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO users (id, nickname)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET nickname = EXCLUDED.nickname, last_active_at = now()`,
		id, nickname)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// SetUserLobby places a user in a lobby, stamping a fresh join time so the
// rotation's join order stays append-only.
func (r *Repository) SetUserLobby(ctx context.Context, q sqlutil.Querier, id uuid.UUID, code string) error {
	_, err := q.Exec(ctx, `
		UPDATE users SET lobby_code = $2, ready = FALSE, joined_at = now(), last_active_at = now()
		WHERE id = $1`, id, code)
	if err != nil {
		return fmt.Errorf("failed to set user lobby: %w", err)
	}
	return nil
}

func (r *Repository) ClearUserLobby(ctx context.Context, q sqlutil.Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE users SET lobby_code = NULL, ready = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear user lobby: %w", err)
	}
	return nil
}

func (r *Repository) SetReady(ctx context.Context, q sqlutil.Querier, id uuid.UUID, ready bool) error {
	_, err := q.Exec(ctx, `UPDATE users SET ready = $2, last_active_at = now() WHERE id = $1`, id, ready)
	if err != nil {
		return fmt.Errorf("failed to set user ready: %w", err)
	}
	return nil
}

// ResetReady clears every member's ready flag when a round advances.
func (r *Repository) ResetReady(ctx context.Context, q sqlutil.Querier, code string) error {
	_, err := q.Exec(ctx, `UPDATE users SET ready = FALSE WHERE lobby_code = $1`, code)
	if err != nil {
		return fmt.Errorf("failed to reset ready flags: %w", err)
	}
	return nil
}

func (r *Repository) TouchUser(ctx context.Context, q sqlutil.Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE users SET last_active_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

// ListInactiveUsers returns users idle since before cutoff, for the startup
// eviction sweep.
func (r *Repository) ListInactiveUsers(ctx context.Context, q sqlutil.Querier, cutoff time.Time) ([]models.User, error) {
	rows, err := q.Query(ctx, `
		SELECT id, nickname, lobby_code, ready, last_active_at, joined_at
		FROM users WHERE last_active_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.LobbyCode, &u.Ready, &u.LastActiveAt, &u.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inactive user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list inactive users: %w", err)
	}
	return users, nil
}

func (r *Repository) DeleteUser(ctx context.Context, q sqlutil.Querier, id uuid.UUID) error {
	if _, err := q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}
