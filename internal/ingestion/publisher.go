package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"StableLedger/internal/event"
	"StableLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream  = "STABLE_LEDGER_EVENTS"
	EventSubject = "stable.ledger.events"
)

// OutboundPublisher publishes committed operations to NATS for downstream
// consumers on stable.ledger.events.{event_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a committed operation ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Op             string          `json:"op"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Account        string          `json:"account"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewPublishableEvent(op string, env *event.EventEnvelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		Op:             op,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Account:        env.Account.Hex(),
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// Subject returns the outbound subject of evt.
func (evt PublishableEvent) Subject() string {
	return fmt.Sprintf("%s.%s", EventSubject, evt.EventType)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.ComponentLogger(logger, "publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// the sequence doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", EventStream)
	return nil
}
