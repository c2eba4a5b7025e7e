package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/storyfold/storyfold/internal/events"
)

// EventConsumer subscribes to the lobby event subjects on NATS and fans each
// event out to the matching WebSocket room. Events are display-only, so core
// NATS at-most-once delivery is enough; a client that misses one recovers
// from the next lobby snapshot.
type EventConsumer struct {
	cm  *ConnectionManager
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewEventConsumer(cm *ConnectionManager, nc *nats.Conn) *EventConsumer {
	return &EventConsumer{cm: cm, nc: nc}
}

// Start subscribes to all lobby subjects. Returns after the subscription is
// in place; delivery happens on the NATS callback goroutine.
func (ec *EventConsumer) Start() error {
	subject := events.SubjectPrefix + ".>"
	sub, err := ec.nc.Subscribe(subject, ec.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	ec.sub = sub
	log.Info().Str("subject", subject).Msg("event consumer subscribed")
	return nil
}

func (ec *EventConsumer) handleMessage(msg *nats.Msg) {
	var envelope events.Envelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed event envelope")
		return
	}

	log.Debug().
		Str("event_id", envelope.EventID).
		Str("event_type", string(envelope.EventType)).
		Str("lobby_code", envelope.LobbyCode).
		Msg("relaying event to websocket room")

	// The envelope is forwarded verbatim; clients see the same shape the
	// engine published.
	ec.cm.Broadcast(envelope.LobbyCode, envelope.UserID, msg.Data)
}

// Stop tears down the subscription. The NATS connection is owned by the
// caller and stays open.
func (ec *EventConsumer) Stop() error {
	if ec.sub != nil {
		return ec.sub.Unsubscribe()
	}
	return nil
}
