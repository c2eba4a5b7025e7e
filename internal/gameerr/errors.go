// Package gameerr defines the error taxonomy surfaced to clients.
//
// Not-found and conflict errors are terminal for the attempt and safe to show
// to the caller; storage errors abort the transaction and may be retried by
// the transport layer.
package gameerr

import "errors"

var (
	// Not-found category.
	ErrLobbyNotFound = errors.New("lobby not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrStoryNotFound = errors.New("story not found")

	// Authorization category.
	ErrNotHost = errors.New("user is not the lobby host")

	// Invariant-violation category: terminal no-op outcomes, never retried.
	ErrLobbyFull        = errors.New("lobby max players reached")
	ErrNotEnoughPlayers = errors.New("not enough players to start")
	ErrAlreadyStarted   = errors.New("game already started")
	ErrGameNotStarted   = errors.New("game not started")
	ErrNotInLobby       = errors.New("user not in lobby")
	ErrAlreadySubmitted = errors.New("user already submitted this round")
	ErrNotSubmitted     = errors.New("user has not submitted this round")

	// Transport category: the request itself was unusable.
	ErrBadRequest = errors.New("bad request")
)

// Wire codes referenced outside the Code switch.
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeUserNotFound   = "USER_NOT_FOUND"
	CodeStorageFailure = "STORAGE_FAILURE"
)

// Code maps an error to the wire-level category name sent in error events.
// Unrecognized errors report as STORAGE_FAILURE since every other failure mode
// in the engine is a wrapped store or transport error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrLobbyNotFound):
		return "LOBBY_NOT_FOUND"
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, ErrStoryNotFound):
		return "STORY_NOT_FOUND"
	case errors.Is(err, ErrNotHost):
		return "USER_NOT_HOST"
	case errors.Is(err, ErrLobbyFull):
		return "LOBBY_MAX_PLAYERS_REACHED"
	case errors.Is(err, ErrNotEnoughPlayers):
		return "LOBBY_NOT_ENOUGH_PLAYERS"
	case errors.Is(err, ErrAlreadyStarted):
		return "GAME_ALREADY_STARTED"
	case errors.Is(err, ErrGameNotStarted):
		return "GAME_NOT_STARTED"
	case errors.Is(err, ErrNotInLobby):
		return "USER_NOT_IN_LOBBY"
	case errors.Is(err, ErrAlreadySubmitted):
		return "USER_ALREADY_SUBMITTED"
	case errors.Is(err, ErrNotSubmitted):
		return "USER_NOT_SUBMITTED"
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeStorageFailure
	}
}

// Warning reports whether the error should be logged at warn rather than
// error level (expected user-facing outcomes vs. real failures).
func Warning(err error) bool {
	return Code(err) != CodeStorageFailure
}
