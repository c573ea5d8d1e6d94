package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"

	// Seconds without a state update before home assistant marks a value unavailable
	expireAfter  = 60
	manufacturer = "NVIDIA"

	discoveryQoS = 1
)

// Home assistant discovery payload, using the abbreviated keys.
type HAEntity struct {
	AvailabilityTopic string    `json:"avty_t"`
	DevClass          string    `json:"dev_cla,omitempty"`
	EnabledByDefault  bool      `json:"en"`
	ExpireAfter       int       `json:"exp_aft"`
	Name              string    `json:"name"`
	StateClass        string    `json:"stat_cla"`
	StateTopic        string    `json:"stat_t"`
	UniqueId          string    `json:"uniq_id"`
	Unit              string    `json:"unit_of_meas,omitempty"`
	ValueTemplate     string    `json:"val_tpl"`
	Device            *HADevice `json:"dev"`
}

type HADevice struct {
	IDs    []string `json:"ids"`
	Name   string   `json:"name"`
	Model  string   `json:"mdl"`
	Vendor string   `json:"mf"`
}

type Announcer struct {
	session Session
	topics  Topics
	sensors []SensorDescriptor
	logger  *slog.Logger
	metrics *Metrics
	timeout time.Duration
}

func NewAnnouncer(
	logger *slog.Logger,
	session Session,
	topics Topics,
	sensors []SensorDescriptor,
	metrics *Metrics,
	timeout time.Duration,
) *Announcer {
	return &Announcer{
		session: session,
		topics:  topics,
		sensors: sensors,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
}

// OfflineWill is the message the broker publishes for us if the connection drops.
func OfflineWill(topics Topics) Will {
	return Will{
		Topic:    topics.Availability(),
		Payload:  availabilityOffline,
		QoS:      discoveryQoS,
		Retained: true,
	}
}

func (a *Announcer) entity(dev DeviceIdentity, sensor SensorDescriptor) HAEntity {
	return HAEntity{
		AvailabilityTopic: a.topics.Availability(),
		DevClass:          sensor.DeviceClass,
		EnabledByDefault:  true,
		ExpireAfter:       expireAfter,
		Name:              sensor.Name,
		StateClass:        "measurement",
		StateTopic:        a.topics.State(dev),
		UniqueId:          UniqueID(dev, sensor.Key),
		Unit:              sensor.Unit,
		ValueTemplate:     ValueTemplate(sensor.Key),
		Device: &HADevice{
			IDs:    []string{dev.UniqueID},
			Name:   fmt.Sprintf("GPU %d", dev.Index),
			Model:  dev.Name,
			Vendor: manufacturer,
		},
	}
}

// PublishConfigs publishes one retained discovery document per device and sensor.
// Documents replace the previous ones on the broker, so calling it again is harmless.
func (a *Announcer) PublishConfigs(ctx context.Context, devices Devices) error {
	var errs []error
	for _, dev := range devices {
		for _, sensor := range a.sensors {
			topic := a.topics.Discovery(dev, sensor.Key)
			payload, err := json.Marshal(a.entity(dev, sensor))
			if err != nil {
				errs = append(errs, fmt.Errorf("encoding %s: %w", topic, err))
				continue
			}
			if err := a.publish(ctx, topic, payload); err != nil {
				errs = append(errs, fmt.Errorf("publishing %s: %w", topic, err))
			}
		}
	}

	a.metrics.announcements.Inc()
	a.logger.Info("Published discovery configs", "devices", len(devices), "sensors", len(a.sensors), "errors", len(errs))
	return errors.Join(errs...)
}

func (a *Announcer) SetAvailability(ctx context.Context, online bool) error {
	payload := availabilityOffline
	if online {
		payload = availabilityOnline
	}
	if err := a.publish(ctx, a.topics.Availability(), []byte(payload)); err != nil {
		return fmt.Errorf("publishing availability %q: %w", payload, err)
	}
	a.metrics.SetAvailable(online)
	a.logger.Info("Published availability", "topic", a.topics.Availability(), "status", payload)
	return nil
}

// Announce publishes all the discovery documents, then marks the bridge online.
func (a *Announcer) Announce(ctx context.Context, devices Devices) error {
	return errors.Join(
		a.PublishConfigs(ctx, devices),
		a.SetAvailability(ctx, true),
	)
}

func (a *Announcer) publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	err := a.session.Publish(ctx, topic, discoveryQoS, true, payload)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrPublishTimeout, err)
	}
	return err
}
