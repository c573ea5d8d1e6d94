package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// State of the bridge. Init and Connecting are the discovery and connection
// phases of run, before a Supervisor exists: a Supervisor starts Announcing.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateAnnouncing
	StateStreaming
	StateReconnecting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateAnnouncing:
		return "announcing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type SupervisorOptions struct {
	// Bound on every state publish
	PublishTimeout time.Duration
	// Bound on the offline publish during shutdown
	ShutdownTimeout time.Duration
	// Time left to paho to flush in flight messages on disconnect
	DisconnectQuiesce time.Duration
}

// Supervisor owns the broker session and the monitoring process once the
// devices are known and the session is connected. It is the only one
// stopping either of them.
type Supervisor struct {
	logger    *slog.Logger
	session   Session
	source    Source
	announcer *Announcer
	devices   Devices
	topics    Topics
	metrics   *Metrics
	opts      SupervisorOptions

	state atomic.Int32
	lost  bool
}

func NewSupervisor(
	logger *slog.Logger,
	session Session,
	source Source,
	announcer *Announcer,
	devices Devices,
	topics Topics,
	metrics *Metrics,
	opts SupervisorOptions,
) *Supervisor {
	s := &Supervisor{
		logger:    logger,
		session:   session,
		source:    source,
		announcer: announcer,
		devices:   devices,
		topics:    topics,
		metrics:   metrics,
		opts:      opts,
	}
	s.state.Store(int32(StateAnnouncing))
	return s
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	if old := State(s.state.Swap(int32(state))); old != state {
		s.logger.Debug("State change", "from", old, "to", state)
	}
}

// Healthy is true while rows flow from a live process to a connected broker.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	return s.State() == StateStreaming && s.session.IsConnected() && s.source.Alive(ctx)
}

// Run announces the devices, then streams the monitoring output until it
// ends or ctx is cancelled. The bridge is always marked offline on return.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateAnnouncing)
	if err := s.subscribeStatus(ctx); err != nil {
		s.logger.Warn("error subscribing to platform status, re-announcement on restart disabled", "topic", s.topics.PlatformStatus, "error", err)
	}
	if err := s.announcer.Announce(ctx, s.devices); err != nil {
		s.logger.Warn("Discovery announcement incomplete", "error", err)
	}

	s.setState(StateStreaming)
	stream, err := s.source.Start(ctx)
	if err != nil {
		s.drain()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// the stream ending is the normal way out
		defer cancel()
		return s.ingest(gctx, stream)
	})
	g.Go(func() error {
		return s.handleEvents(gctx)
	})
	g.Go(func() error {
		// unblocks a read stuck on a silent process
		<-gctx.Done()
		return s.source.Stop()
	})

	err = g.Wait()
	s.drain()
	return err
}

func (s *Supervisor) ingest(ctx context.Context, stream io.Reader) error {
	reader := NewSnapshotReader(stream)
	for {
		rec, err := reader.Next()
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Info("Monitoring stream ended")
			return nil
		case IsRecoverable(err):
			s.logger.Warn("Skipping row", "error", err)
			s.metrics.Row(rowMalformed)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading monitoring stream: %w", err)
		}

		if ctx.Err() != nil {
			return nil
		}
		s.publishRecord(ctx, rec)
	}
}

func (s *Supervisor) publishRecord(ctx context.Context, rec MetricRecord) {
	dev, ok := s.devices.Lookup(rec.DeviceIndex)
	if !ok {
		s.logger.Warn("Dropping row", "error", fmt.Errorf("%w %d", ErrUnknownDevice, rec.DeviceIndex))
		s.metrics.Row(rowUnknownDevice)
		return
	}

	logger := s.logger.With("gpu", dev.Index, "uuid", dev.UniqueID)
	if !s.session.IsConnected() {
		logger.Debug("Broker unreachable, dropping row")
		s.metrics.Row(rowDropped)
		return
	}

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		logger.Warn("failed to encode row", "error", err)
		s.metrics.Row(rowDropped)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	if err := s.session.Publish(pubCtx, s.topics.State(dev), 0, false, payload); err != nil {
		logger.Warn("error publishing state", "topic", s.topics.State(dev), "error", err)
		s.metrics.Row(rowDropped)
		return
	}

	s.metrics.Row(rowPublished)
	s.metrics.Observe(dev, rec)
}

func (s *Supervisor) handleEvents(ctx context.Context) error {
	events := s.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev SessionEvent) {
	switch ev.Kind {
	case EventConnectionLost:
		s.logger.Warn("mqtt connection lost, waiting for reconnection", "error", ev.Err)
		s.lost = true
		s.metrics.SetAvailable(false)
		s.setState(StateReconnecting)

	case EventConnected:
		if !s.lost {
			return
		}
		s.lost = false
		s.logger.Info("mqtt connection restored")
		s.setState(StateStreaming)
		// subscriptions don't survive a clean session, and the broker sent our will
		if err := s.subscribeStatus(ctx); err != nil {
			s.logger.Warn("error subscribing to platform status", "topic", s.topics.PlatformStatus, "error", err)
		}
		s.reannounce(ctx)

	case EventMessage:
		if ev.Topic != s.topics.PlatformStatus {
			s.logger.Debug("Ignoring message", "topic", ev.Topic)
			return
		}
		status := strings.TrimSpace(string(ev.Payload))
		if status != availabilityOnline {
			s.logger.Info("Platform status changed", "status", status)
			return
		}
		s.logger.Info("Platform came online, announcing again")
		s.reannounce(ctx)
	}
}

// reannounce republishes the discovery documents, and asserts "online" only
// when the monitoring process still runs.
func (s *Supervisor) reannounce(ctx context.Context) {
	if err := s.announcer.PublishConfigs(ctx, s.devices); err != nil {
		s.logger.Warn("Discovery announcement incomplete", "error", err)
	}
	if !s.source.Alive(ctx) {
		s.logger.Warn("Monitoring process is gone, not asserting availability")
		return
	}
	if err := s.announcer.SetAvailability(ctx, true); err != nil {
		s.logger.Warn("error publishing availability", "error", err)
	}
}

func (s *Supervisor) subscribeStatus(ctx context.Context) error {
	if s.topics.PlatformStatus == "" {
		return nil
	}
	subCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	return s.session.Subscribe(subCtx, s.topics.PlatformStatus, 0)
}

// drain runs once streaming is over, whatever the reason.
func (s *Supervisor) drain() {
	s.setState(StateDraining)
	if err := s.source.Stop(); err != nil {
		s.logger.Warn("error stopping monitoring process", "error", err)
	}

	// the caller's context is likely cancelled already
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.session.Publish(ctx, s.topics.Availability(), discoveryQoS, true, []byte(availabilityOffline)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrPublishTimeout, err)
		}
		s.logger.Warn("Offline status not acknowledged, shutting down anyway", "timeout", s.opts.ShutdownTimeout, "error", err)
	} else {
		s.logger.Info("Published availability", "topic", s.topics.Availability(), "status", availabilityOffline)
	}
	s.metrics.SetAvailable(false)

	s.session.Disconnect(s.opts.DisconnectQuiesce)
	s.setState(StateStopped)
}
