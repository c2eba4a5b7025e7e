package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix is the NATS subject root for lobby events; the per-lobby
// subject is SubjectPrefix + "." + lobbyCode.
const SubjectPrefix = "story.lobby"

// Subject returns the NATS subject for one lobby's events.
func Subject(lobbyCode string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, lobbyCode)
}

// Publisher delivers lobby events to whichever gateway processes hold the
// lobby's websocket room. Events are display-only state pushes: a client that
// misses one re-reads the lobby snapshot on reconnect, so delivery is
// fire-and-forget.
type Publisher interface {
	Publish(lobbyCode string, eventType Type, payload any) error
	PublishToUser(lobbyCode, userID string, eventType Type, payload any) error
}

// NATSPublisher publishes envelopes to core NATS subjects.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) Publish(lobbyCode string, eventType Type, payload any) error {
	return p.publish(lobbyCode, "", eventType, payload)
}

func (p *NATSPublisher) PublishToUser(lobbyCode, userID string, eventType Type, payload any) error {
	return p.publish(lobbyCode, userID, eventType, payload)
}

func (p *NATSPublisher) publish(lobbyCode, userID string, eventType Type, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	envelope := Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		LobbyCode: lobbyCode,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := p.nc.Publish(Subject(lobbyCode), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	log.Debug().
		Str("lobby_code", lobbyCode).
		Str("event_type", string(eventType)).
		Str("event_id", envelope.EventID).
		Msg("event published")
	return nil
}

// Recorder is an in-memory Publisher for tests.
type Recorder struct {
	mu       sync.Mutex
	Recorded []RecordedEvent
}

type RecordedEvent struct {
	LobbyCode string
	UserID    string
	EventType Type
	Payload   any
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(lobbyCode string, eventType Type, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Recorded = append(r.Recorded, RecordedEvent{LobbyCode: lobbyCode, EventType: eventType, Payload: payload})
	return nil
}

func (r *Recorder) PublishToUser(lobbyCode, userID string, eventType Type, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Recorded = append(r.Recorded, RecordedEvent{LobbyCode: lobbyCode, UserID: userID, EventType: eventType, Payload: payload})
	return nil
}

// Types returns the recorded event types in order, for assertions.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]Type, len(r.Recorded))
	for i, e := range r.Recorded {
		types[i] = e.EventType
	}
	return types
}
