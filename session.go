package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectionLost
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// SessionEvent is what the broker session reports back to its owner instead
// of running callbacks on its own goroutines.
type SessionEvent struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

type Will struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// Session is the broker connection used by the announcer and the supervisor.
// Implementations must be safe for concurrent use.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Events() <-chan SessionEvent
	IsConnected() bool
	Disconnect(quiesce time.Duration)
}

type mqttSession struct {
	client mqtt.Client
	events chan SessionEvent
	logger *slog.Logger
}

func NewMQTTSession(logger *slog.Logger, cfg BrokerConfig, will Will) *mqttSession {
	s := &mqttSession{
		events: make(chan SessionEvent, 32),
		logger: logger.With("broker", cfg.URL()),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetWill(will.Topic, will.Payload, will.QoS, will.Retained).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			s.emit(SessionEvent{Kind: EventConnected})
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.emit(SessionEvent{Kind: EventConnectionLost, Err: err})
		})

	s.client = mqtt.NewClient(opts)
	return s
}

// emit never blocks: paho runs the handlers on its own routines and a stuck
// handler would stall acknowledgements.
func (s *mqttSession) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Session event queue full, dropping event", "kind", ev.Kind, "topic", ev.Topic)
	}
}

func (s *mqttSession) Events() <-chan SessionEvent {
	return s.events
}

func (s *mqttSession) Connect(ctx context.Context) error {
	return waitToken(ctx, s.client.Connect())
}

func (s *mqttSession) Subscribe(ctx context.Context, topic string, qos byte) error {
	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		s.logger.Debug("New mqtt message", "ID", m.MessageID(), "topic", m.Topic())
		s.emit(SessionEvent{Kind: EventMessage, Topic: m.Topic(), Payload: m.Payload()})
	})
	return waitToken(ctx, token)
}

func (s *mqttSession) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return waitToken(ctx, s.client.Publish(topic, qos, retained, payload))
}

// IsConnected is false while paho is reconnecting in the background.
func (s *mqttSession) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

func (s *mqttSession) Disconnect(quiesce time.Duration) {
	s.client.Disconnect(uint(quiesce.Milliseconds()))
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// ConnectWithRetry opens the session, retrying with an exponential delay.
// Running out of attempts is fatal for the caller.
func ConnectWithRetry(ctx context.Context, logger *slog.Logger, session Session, b Backoff) error {
	attempts := max(b.Attempts, 1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.Initial
	bo.MaxInterval = b.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if err := session.Connect(ctx); err != nil {
			return struct{}{}, err
		}
		logger.Debug("mqtt client connected", "attempt", attempt)
		return struct{}{}, nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("error connecting to mqtt, retrying", "attempt", attempt, "retry_in", next, "error", err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return fmt.Errorf("%w after %d attempt(s): %w", ErrConnectFailure, attempt, err)
	}
	return nil
}
