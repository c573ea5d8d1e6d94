package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	devices Devices
	err     error
}

func (r stubRegistry) Discover(context.Context) (Devices, error) {
	return r.devices, r.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Broker.ConnectAttempts = 2
	cfg.Broker.RetryInterval = time.Millisecond
	cfg.Broker.MaxReconnectInterval = time.Millisecond
	cfg.ShutdownTimeout = 100 * time.Millisecond
	return cfg
}

func TestRunFatalBeforeConnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"no device", fmt.Errorf("%w: empty listing", ErrNoDeviceFound), exitNoDevice},
		{"tool missing", fmt.Errorf("%w: not in PATH", ErrToolUnavailable), exitToolUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := 0
			d := deps{
				registry: stubRegistry{err: tt.err},
				newSession: func(Will) Session {
					sessions++
					return newFakeSession()
				},
				source: newFakeSource(),
			}

			code := run(context.Background(), discardLogger(), testConfig(), prometheus.NewRegistry(), d)
			assert.Equal(t, tt.code, code)
			assert.Zero(t, sessions, "no broker connection expected")
		})
	}
}

func TestRunConnectFailure(t *testing.T) {
	session := newFakeSession()
	session.connectErr = errors.New("connection refused")
	source := newFakeSource()
	d := deps{
		registry:   stubRegistry{devices: testDevices},
		newSession: func(Will) Session { return session },
		source:     source,
	}

	code := run(context.Background(), discardLogger(), testConfig(), prometheus.NewRegistry(), d)
	assert.Equal(t, exitConnectFailure, code)
	assert.Equal(t, 2, session.connects)
	assert.False(t, source.started.Load())
}

func TestRunInterruptedDuringConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	session := newFakeSession()
	session.connectErr = errors.New("connection refused")
	session.onConnect = cancel
	source := newFakeSource()
	d := deps{
		registry:   stubRegistry{devices: testDevices},
		newSession: func(Will) Session { return session },
		source:     source,
	}

	cfg := testConfig()
	cfg.Broker.ConnectAttempts = 5
	code := run(ctx, discardLogger(), cfg, prometheus.NewRegistry(), d)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, 1, session.connects)
	assert.False(t, source.started.Load())
}

func TestRunInterruptedDuringDiscovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := deps{
		registry:   stubRegistry{err: fmt.Errorf("%w: running nvidia-smi: %w", ErrToolUnavailable, context.Canceled)},
		newSession: func(Will) Session { return newFakeSession() },
		source:     newFakeSource(),
	}

	assert.Equal(t, exitOK, run(ctx, discardLogger(), testConfig(), prometheus.NewRegistry(), d))
}

func TestRunCleanShutdown(t *testing.T) {
	session := newFakeSession()
	source := newFakeSource()
	var will Will
	d := deps{
		registry: stubRegistry{devices: testDevices},
		newSession: func(w Will) Session {
			will = w
			return session
		},
		source: source,
	}

	go func() {
		assert.Eventually(t, source.started.Load, waitFor, tick)
		source.Write("#gpu, pwr", "#Idx, W", "0, 10")
		source.End()
	}()

	code := run(context.Background(), discardLogger(), testConfig(), prometheus.NewRegistry(), d)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, OfflineWill(DefaultConfig().Topics), will)
	assert.Equal(t, []string{`{"pwr":"10"}`}, payloads(session.On("nvidia-smi/GPU-aaaa")))
	assert.Equal(t, 2*len(Sensors()), countConfigs(session))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitConnectFailure, exitCode(fmt.Errorf("wrapped: %w", ErrConnectFailure)))
	assert.NotEmpty(t, guidance(ErrNoDeviceFound))
	assert.NotEqual(t, guidance(ErrNoDeviceFound), guidance(ErrToolUnavailable))
	assert.NotEqual(t, guidance(ErrToolUnavailable), guidance(ErrConnectFailure))
}

func TestConnectWithRetry(t *testing.T) {
	session := newFakeSession()
	session.connectErr = errors.New("refused")

	err := ConnectWithRetry(context.Background(), discardLogger(), session, Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond})
	require.ErrorIs(t, err, ErrConnectFailure)
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, 3, session.connects)

	session.connectErr = nil
	require.NoError(t, ConnectWithRetry(context.Background(), discardLogger(), session, Backoff{Attempts: 3}))
	assert.Equal(t, 4, session.connects)
}

func TestConnectWithRetryZeroAttempts(t *testing.T) {
	session := newFakeSession()
	session.connectErr = errors.New("refused")

	err := ConnectWithRetry(context.Background(), discardLogger(), session, Backoff{Initial: time.Millisecond})
	require.ErrorIs(t, err, ErrConnectFailure)
	assert.Equal(t, 1, session.connects)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	session := newFakeSession()
	session.connectErr = errors.New("refused")
	session.onConnect = cancel

	err := ConnectWithRetry(ctx, discardLogger(), session, Backoff{Attempts: 10, Initial: time.Hour, Max: time.Hour})
	require.ErrorIs(t, err, ErrConnectFailure)
	assert.Equal(t, 1, session.connects)
}
