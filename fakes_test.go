package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  string
}

type fakeSession struct {
	mu         sync.Mutex
	published  []published
	subscribed []string
	connects   int
	connectErr error
	onConnect  func()
	// optional hook, called after the message is recorded
	onPublish func(ctx context.Context, topic string, payload []byte) error

	connected    atomic.Bool
	disconnected atomic.Bool
	events       chan SessionEvent
}

func newFakeSession() *fakeSession {
	s := &fakeSession{events: make(chan SessionEvent, 16)}
	s.connected.Store(true)
	return s
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.onConnect != nil {
		s.onConnect()
	}
	return s.connectErr
}

func (s *fakeSession) Subscribe(ctx context.Context, topic string, qos byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *fakeSession) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	s.mu.Lock()
	s.published = append(s.published, published{topic, qos, retained, string(payload)})
	hook := s.onPublish
	s.mu.Unlock()
	if hook != nil {
		return hook(ctx, topic, payload)
	}
	return nil
}

func (s *fakeSession) Events() <-chan SessionEvent { return s.events }

func (s *fakeSession) IsConnected() bool { return s.connected.Load() }

func (s *fakeSession) Disconnect(time.Duration) { s.disconnected.Store(true) }

func (s *fakeSession) Published() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.published...)
}

func (s *fakeSession) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func (s *fakeSession) On(topic string) []published {
	var out []published
	for _, p := range s.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// fakeSource hands out one end of a pipe, the test writes dmon lines on the other.
type fakeSource struct {
	r *io.PipeReader
	w *io.PipeWriter

	startErr error
	started  atomic.Bool
	stops    atomic.Int32
}

func newFakeSource() *fakeSource {
	r, w := io.Pipe()
	return &fakeSource{r: r, w: w}
}

func (s *fakeSource) Start(ctx context.Context) (io.Reader, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started.Store(true)
	return s.r, nil
}

func (s *fakeSource) Alive(ctx context.Context) bool {
	return s.started.Load() && s.stops.Load() == 0
}

func (s *fakeSource) Stop() error {
	s.stops.Add(1)
	return s.r.Close()
}

func (s *fakeSource) Write(lines ...string) {
	for _, l := range lines {
		io.WriteString(s.w, l+"\n")
	}
}

// End simulates the process exiting on its own.
func (s *fakeSource) End() {
	s.w.Close()
}
