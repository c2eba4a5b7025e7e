package events

import (
	"encoding/json"
	"time"

	"github.com/storyfold/storyfold/internal/models"
)

// Type identifies a lobby event on the wire.
type Type string

const (
	TypeLobbyUpdated        Type = "LobbyUpdated"
	TypeUserJoined          Type = "UserJoined"
	TypeUserLeft            Type = "UserLeft"
	TypeGameStarted         Type = "GameStarted"
	TypeRoundAdvanced       Type = "RoundAdvanced"
	TypeGameFinished        Type = "GameFinished"
	TypeGameEnded           Type = "GameEnded"
	TypeSubmissionReceived  Type = "SubmissionReceived"
	TypeSubmissionRetracted Type = "SubmissionRetracted"
	TypeSettingsChanged     Type = "SettingsChanged"
	TypeStoryAssigned       Type = "StoryAssigned"
)

// Envelope is the wire format shared by the NATS subjects and the WebSocket
// broadcast. UserID, when set, addresses the event to a single member instead
// of the whole room.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType Type            `json:"event_type"`
	LobbyCode string          `json:"lobby_code"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// LobbyUpdatedPayload carries the full lobby snapshot after membership or
// lifecycle changes.
type LobbyUpdatedPayload struct {
	Lobby *models.Lobby `json:"lobby"`
}

type UserJoinedPayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

type UserLeftPayload struct {
	UserID    string `json:"user_id"`
	NewHostID string `json:"new_host_id,omitempty"`
}

type GameStartedPayload struct {
	StoriesCount int       `json:"stories_count"`
	Round        int       `json:"round"`
	RoundStartAt time.Time `json:"round_start_at"`
	RoundEndAt   time.Time `json:"round_end_at"`
}

type RoundAdvancedPayload struct {
	Round        int        `json:"round"`
	RoundStartAt *time.Time `json:"round_start_at,omitempty"`
	RoundEndAt   *time.Time `json:"round_end_at,omitempty"`
	Backfilled   int        `json:"backfilled"`
}

type GameFinishedPayload struct {
	StoriesCount int `json:"stories_count"`
}

type GameEndedPayload struct {
	ByUserID string `json:"by_user_id"`
}

// SubmissionPayload reports the submission counter after a submit or
// unsubmit, so clients can render progress without refetching the lobby.
type SubmissionPayload struct {
	UserID         string `json:"user_id"`
	UsersSubmitted int    `json:"users_submitted"`
	UsersTotal     int    `json:"users_total"`
}

type SettingsChangedPayload struct {
	Field    string               `json:"field"`
	Settings models.LobbySettings `json:"settings"`
}

// StoryAssignedPayload tells one member which story they write into this
// round. Always sent addressed, never to the whole room.
type StoryAssignedPayload struct {
	Round      int `json:"round"`
	StoryIndex int `json:"story_index"`
}
