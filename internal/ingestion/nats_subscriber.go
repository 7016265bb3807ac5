package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"StableLedger/internal/engine"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	CommandStream  = "STABLE_COMMANDS"
	CommandSubject = "stable.commands"
)

// NATSSubscriber subscribes to the command subjects and feeds raw commands
// to the CommandProcessor through commandChan.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is an undecoded command from NATS. Op comes from the subject
// it was consumed on.
type RawCommand struct {
	Op        string
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message once the outcome is final
	NakFunc   func() // Call to NAK on a retryable failure (will be redelivered)
}

func (r RawCommand) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawCommand) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// SubjectConfig maps a NATS subject to an operation.
type SubjectConfig struct {
	Subject      string
	Op           string
	ConsumerName string
	StreamName   string
}

// CommandSubjectFor returns the subject filter of op's consumer,
// stable.commands.<op>.> where the last tokens are free for routing.
func CommandSubjectFor(op string) string {
	return fmt.Sprintf("%s.%s.>", CommandSubject, op)
}

// DefaultSubjects returns one subject per operation so each can be scaled
// and paused independently.
func DefaultSubjects() []SubjectConfig {
	ops := []string{
		engine.OpDeposit,
		engine.OpMint,
		engine.OpRedeem,
		engine.OpBurn,
		engine.OpDepositAndMint,
		engine.OpRedeemAndBurn,
		engine.OpLiquidate,
	}
	subjects := make([]SubjectConfig, 0, len(ops))
	for _, op := range ops {
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubjectFor(op),
			Op:           op,
			ConsumerName: "ledger-" + op,
			StreamName:   CommandStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		op := cfg.Op
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Op:        op,
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	log.Printf("INFO: ensured stream %s", cfg.Name)
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stableledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
