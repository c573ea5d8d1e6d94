package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type deviceDiscoverer interface {
	Discover(ctx context.Context) (Devices, error)
}

// Collaborators built by main, replaced in tests.
type deps struct {
	registry   deviceDiscoverer
	newSession func(will Will) Session
	source     Source
}

func main() {
	cfg, err := LoadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(exitFailure)
	}

	lvl := slog.LevelInfo
	if cfg.Debug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
	logger.Info("nvidia-smi2ha start")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := deps{
		registry: NewRegistry(logger, cfg.SMIPath, cfg.ListArgs),
		newSession: func(will Will) Session {
			return NewMQTTSession(logger, cfg.Broker, will)
		},
		source: NewExecSource(logger, cfg.SMIPath, cfg.StreamArgs, cfg.StopGrace),
	}

	code := run(ctx, logger, cfg, prometheus.NewRegistry(), d)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, cfg Config, reg *prometheus.Registry, d deps) int {
	devices, err := d.registry.Discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(logger, err)
		}
		return fatal(logger, err)
	}

	sensors := Sensors()
	metrics := NewMetrics(logger, reg, sensors)
	logger.Debug("prom exporter initialized")

	session := d.newSession(OfflineWill(cfg.Topics))
	announcer := NewAnnouncer(logger, session, cfg.Topics, sensors, metrics, cfg.PublishTimeout)

	mqttLogger := logger.With("broker", cfg.Broker.URL())
	err = ConnectWithRetry(ctx, mqttLogger, session, Backoff{
		Attempts: cfg.Broker.ConnectAttempts,
		Initial:  cfg.Broker.RetryInterval,
		Max:      cfg.Broker.MaxReconnectInterval,
	})
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(mqttLogger, err)
		}
		return fatal(mqttLogger, err)
	}
	mqttLogger.Info("mqtt client started and connected", "client_id", cfg.Broker.ClientID)

	supervisor := NewSupervisor(logger, session, d.source, announcer, devices, cfg.Topics, metrics, SupervisorOptions{
		PublishTimeout:    cfg.PublishTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		DisconnectQuiesce: 250 * time.Millisecond,
	})

	if cfg.ListenAddress != "" {
		srv := &http.Server{
			Addr: cfg.ListenAddress,
			Handler: NewHTTPHandler(reg, func() bool {
				return supervisor.Healthy(context.Background())
			}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Error starting server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := supervisor.Run(ctx); err != nil {
		return fatal(logger, err)
	}
	logger.Info("nvidia-smi2ha stopped")
	return exitOK
}

// interrupted is a requested shutdown before streaming began, not a failure.
func interrupted(logger *slog.Logger, err error) int {
	logger.Info("interrupted before streaming, exiting", "error", err)
	return exitOK
}

func fatal(logger *slog.Logger, err error) int {
	logger.Error("fatal error", "error", err)
	if hint := guidance(err); hint != "" {
		fmt.Fprintln(os.Stderr, hint)
	}
	return exitCode(err)
}
