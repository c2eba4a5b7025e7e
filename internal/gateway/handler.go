package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/storyfold/storyfold/internal/events"
	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
	"github.com/storyfold/storyfold/internal/round"
)

// Client command actions.
const (
	ActionCreateLobby    = "create_lobby"
	ActionJoinLobby      = "join_lobby"
	ActionLeaveLobby     = "leave_lobby"
	ActionGetLobby       = "get_lobby"
	ActionStartGame      = "start_game"
	ActionEndGame        = "end_game"
	ActionSubmitElements = "submit_elements"
	ActionUnsubmit       = "unsubmit_elements"
	ActionGetStory       = "get_story"
	ActionGetPart        = "get_part"
	ActionNextPart       = "next_part"
	ActionUpdateSetting  = "update_setting"
	ActionSubmitSettings = "submit_settings"
)

// Direct reply event types, alongside the broadcast types in events.
const (
	replyTypeLobbyState = "LOBBY_STATE"
	replyTypeStory      = "STORY"
	replyTypePart       = "STORY_PART"
	replyTypeError      = "ERROR"
)

type clientCommand struct {
	Action    string                `json:"action"`
	LobbyCode string                `json:"lobbyCode,omitempty"`
	Nickname  string                `json:"nickname,omitempty"`
	Part      *int                  `json:"part,omitempty"`
	Field     string                `json:"field,omitempty"`
	Value     json.RawMessage       `json:"value,omitempty"`
	Elements  []models.StoryElement `json:"elements,omitempty"`
	Settings  *models.LobbySettings `json:"settings,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Handler terminates WebSocket sessions and maps client commands onto the
// round engine. One handler serves all lobbies.
type Handler struct {
	cm         *ConnectionManager
	engine     *round.Engine
	supervisor *round.Supervisor
	store      round.Store
}

func NewHandler(cm *ConnectionManager, engine *round.Engine, supervisor *round.Supervisor, store round.Store) *Handler {
	return &Handler{cm: cm, engine: engine, supervisor: supervisor, store: store}
}

// RegisterRoutes wires the gateway endpoints onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/stats", h.HandleStats)
}

// HandleConnection upgrades the request and serves the session. The client
// identifies itself with a user_id query parameter; a fresh UUID is issued
// when none is supplied.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		userID = uuid.New()
	}

	conn, err := h.cm.Upgrade(w, r, userID, h.handleCommand, h.handleClose)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("websocket upgrade failed")
		return
	}

	h.supervisor.NoteReconnect(userID)

	// A reconnecting member re-enters their lobby's room immediately so they
	// see events again before any command round-trips.
	ctx := r.Context()
	if user, err := h.store.GetUser(ctx, userID); err == nil && user.LobbyCode != nil {
		h.cm.JoinRoom(conn, *user.LobbyCode)
		h.touch(userID)
		h.replyLobby(conn, *user.LobbyCode)
	}
}

func (h *Handler) handleClose(conn *Connection) {
	h.supervisor.NoteDisconnect(context.Background(), conn.UserID)
}

func (h *Handler) handleCommand(conn *Connection, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.replyError(conn, "", fmt.Errorf("%w: malformed command", gameerr.ErrBadRequest))
		return
	}

	ctx := context.Background()
	code := cmd.LobbyCode
	if code == "" {
		code = h.cm.Room(conn)
	}

	var err error
	switch cmd.Action {
	case ActionCreateLobby:
		err = h.createLobby(ctx, conn, cmd)
	case ActionJoinLobby:
		err = h.joinLobby(ctx, conn, cmd)
	case ActionLeaveLobby:
		err = h.leaveLobby(ctx, conn, code)
	case ActionGetLobby:
		err = h.getLobby(conn, code)
	case ActionStartGame:
		_, err = h.engine.StartGame(ctx, conn.UserID, code)
	case ActionEndGame:
		_, err = h.engine.EndGame(ctx, conn.UserID, code)
	case ActionSubmitElements:
		_, err = h.engine.SubmitElements(ctx, conn.UserID, code, cmd.Elements)
	case ActionUnsubmit:
		_, err = h.engine.UnsubmitElements(ctx, conn.UserID, code)
	case ActionGetStory:
		err = h.getStory(ctx, conn, code)
	case ActionGetPart:
		err = h.getPart(ctx, conn, code, cmd.Part)
	case ActionNextPart:
		err = h.nextPart(ctx, conn, code)
	case ActionUpdateSetting:
		err = h.updateSetting(ctx, conn, code, cmd)
	case ActionSubmitSettings:
		err = h.submitSettings(ctx, conn, code, cmd)
	default:
		h.replyError(conn, cmd.Action, fmt.Errorf("%w: unknown action %q", gameerr.ErrBadRequest, cmd.Action))
		return
	}
	if err != nil {
		h.replyError(conn, cmd.Action, err)
		return
	}
	h.touch(conn.UserID)
}

func (h *Handler) createLobby(ctx context.Context, conn *Connection, cmd clientCommand) error {
	lobby, err := h.engine.CreateLobby(ctx, conn.UserID, cmd.Nickname)
	if err != nil {
		return err
	}
	h.cm.JoinRoom(conn, lobby.Code)
	conn.playbackPart = 0
	h.reply(conn, replyTypeLobbyState, lobby.Code, lobbyStatePayload(lobby))
	return nil
}

func (h *Handler) joinLobby(ctx context.Context, conn *Connection, cmd clientCommand) error {
	lobby, err := h.engine.JoinLobby(ctx, conn.UserID, cmd.Nickname, cmd.LobbyCode)
	if err != nil {
		return err
	}
	h.cm.JoinRoom(conn, lobby.Code)
	conn.playbackPart = 0
	h.reply(conn, replyTypeLobbyState, lobby.Code, lobbyStatePayload(lobby))
	return nil
}

func (h *Handler) leaveLobby(ctx context.Context, conn *Connection, code string) error {
	if code == "" {
		return gameerr.ErrNotInLobby
	}
	if _, err := h.engine.LeaveLobby(ctx, conn.UserID, code); err != nil {
		return err
	}
	h.cm.LeaveRoom(conn)
	return nil
}

func (h *Handler) getLobby(conn *Connection, code string) error {
	if code == "" {
		return gameerr.ErrNotInLobby
	}
	h.replyLobby(conn, code)
	return nil
}

func (h *Handler) getStory(ctx context.Context, conn *Connection, code string) error {
	story, err := h.engine.GetAssignedStory(ctx, conn.UserID, code)
	if err != nil {
		return err
	}
	h.reply(conn, replyTypeStory, code, story)
	return nil
}

func (h *Handler) getPart(ctx context.Context, conn *Connection, code string, part *int) error {
	if part == nil {
		return gameerr.ErrBadRequest
	}
	view, err := h.engine.StoryAtPart(ctx, conn.UserID, code, *part)
	if err != nil {
		return err
	}
	conn.playbackPart = *part
	h.reply(conn, replyTypePart, code, view)
	return nil
}

// nextPart advances this connection's playback cursor by one story.
func (h *Handler) nextPart(ctx context.Context, conn *Connection, code string) error {
	next := conn.playbackPart + 1
	view, err := h.engine.StoryAtPart(ctx, conn.UserID, code, next)
	if err != nil {
		return err
	}
	conn.playbackPart = next
	h.reply(conn, replyTypePart, code, view)
	return nil
}

func (h *Handler) updateSetting(ctx context.Context, conn *Connection, code string, cmd clientCommand) error {
	var value any
	if len(cmd.Value) > 0 {
		if err := json.Unmarshal(cmd.Value, &value); err != nil {
			return gameerr.ErrBadRequest
		}
	}
	_, err := h.engine.UpdateSetting(ctx, conn.UserID, code, cmd.Field, value)
	return err
}

func (h *Handler) submitSettings(ctx context.Context, conn *Connection, code string, cmd clientCommand) error {
	if cmd.Settings == nil {
		return gameerr.ErrBadRequest
	}
	_, err := h.engine.SubmitSettings(ctx, conn.UserID, code, *cmd.Settings)
	return err
}

func (h *Handler) replyLobby(conn *Connection, code string) {
	lobby, err := h.engine.Snapshot(context.Background(), code)
	if err != nil {
		h.replyError(conn, ActionGetLobby, err)
		return
	}
	h.reply(conn, replyTypeLobbyState, code, lobbyStatePayload(lobby))
}

// reply sends a direct response in the same envelope shape the broadcast
// events use, so clients decode one frame format.
func (h *Handler) reply(conn *Connection, eventType, code string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal reply payload")
		return
	}
	envelope := events.Envelope{
		EventID:   uuid.New().String(),
		EventType: events.Type(eventType),
		LobbyCode: code,
		UserID:    conn.UserID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal reply envelope")
		return
	}
	conn.SendDirect(data)
}

func (h *Handler) replyError(conn *Connection, action string, err error) {
	code := gameerr.Code(err)
	logEvent := log.Error()
	if gameerr.Warning(err) {
		logEvent = log.Warn()
	}
	logEvent.
		Str("user_id", conn.UserID.String()).
		Str("action", action).
		Str("error_code", code).
		Msg(err.Error())
	h.reply(conn, replyTypeError, h.cm.Room(conn), errorPayload{Code: code, Message: err.Error(), Action: action})
}

// touch refreshes the user's activity stamp so the inactivity sweep does not
// pick them up while they are issuing commands.
func (h *Handler) touch(userID uuid.UUID) {
	err := h.store.WithTx(context.Background(), func(tx round.Tx) error {
		return tx.TouchUser(context.Background(), userID)
	})
	if err != nil && !isMissingUser(err) {
		log.Debug().Err(err).Str("user_id", userID.String()).Msg("activity touch failed")
	}
}

func isMissingUser(err error) bool {
	return err != nil && gameerr.Code(err) == gameerr.CodeUserNotFound
}

// HandleHealth is a liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// HandleStats reports connection counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.cm.GetStats())
}

func lobbyStatePayload(lobby *models.Lobby) events.LobbyUpdatedPayload {
	return events.LobbyUpdatedPayload{Lobby: lobby}
}
