package models

import (
	"time"

	"github.com/google/uuid"
)

// Round sentinel values on Lobby.Round. Positive values are the current
// 1-based round number, bounded by the member count.
const (
	RoundNotStarted = 0
	RoundFinished   = -1
)

// TimerMode controls how the round deadline is derived.
type TimerMode string

const (
	TimerModeOff    TimerMode = "off"
	TimerModeNormal TimerMode = "normal"
	TimerModeFast   TimerMode = "fast"
)

// ElementType tags the opaque content payload of a story element.
type ElementType string

const (
	ElementTypeText    ElementType = "text"
	ElementTypeImage   ElementType = "image"
	ElementTypeAudio   ElementType = "audio"
	ElementTypeDrawing ElementType = "drawing"
	ElementTypeEmpty   ElementType = "empty"
	ElementTypePlace   ElementType = "place"
)

// LobbySettings are host-configurable and broadcast to members on change.
type LobbySettings struct {
	MaxPlayers       int       `json:"max_players" yaml:"max_players"`
	RoundDurationSec int       `json:"round_duration_sec" yaml:"round_duration_sec"`
	TimerMode        TimerMode `json:"timer_mode" yaml:"timer_mode"`
	TextCap          int       `json:"text_cap" yaml:"text_cap"`
	DrawingCap       int       `json:"drawing_cap" yaml:"drawing_cap"`
}

// Lobby is a named group of players sharing one game session.
// Invariants: UsersSubmitted in [0, len(Users)]; Round in {-1,0} or [1, len(Users)].
type Lobby struct {
	Code           string        `json:"code"`
	HostUserID     uuid.UUID     `json:"host_user_id"`
	Round          int           `json:"round"`
	UsersSubmitted int           `json:"users_submitted"`
	RoundStartAt   *time.Time    `json:"round_start_at,omitempty"`
	RoundEndAt     *time.Time    `json:"round_end_at,omitempty"`
	Settings       LobbySettings `json:"settings"`
	Users          []User        `json:"users"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// InProgress reports whether a game is currently running in the lobby.
func (l *Lobby) InProgress() bool {
	return l.Round > 0
}

// User is a connected (or recently connected) player. The ID is
// client-generated and survives reconnects.
type User struct {
	ID           uuid.UUID `json:"id"`
	Nickname     string    `json:"nickname"`
	LobbyCode    *string   `json:"lobby_code,omitempty"`
	Ready        bool      `json:"ready"`
	LastActiveAt time.Time `json:"last_active_at"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Story is one evolving narrative. Index is the story's position in the
// lobby's rotation, 0-based, one per original contributor. ContributorID pins
// the rotation slot to the user who held it at game start, so assignments
// stay stable when members leave mid-game.
type Story struct {
	ID            uuid.UUID      `json:"id"`
	LobbyCode     string         `json:"lobby_code"`
	Index         int            `json:"index"`
	ContributorID uuid.UUID      `json:"contributor_id"`
	Name          string         `json:"name"`
	Elements      []StoryElement `json:"elements"`
}

// StoryElement is one author's contribution to a story in one round.
// (StoryID, Index) is unique; Index orders the story's element sequence.
type StoryElement struct {
	StoryID  uuid.UUID   `json:"story_id"`
	Index    int         `json:"index"`
	AuthorID uuid.UUID   `json:"author_id"`
	Round    int         `json:"round"`
	Type     ElementType `json:"type"`
	Content  string      `json:"content"`
}
