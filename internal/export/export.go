// Package export publishes device telemetry to an MQTT broker, one
// message per device per push. Export is disabled by default; the
// disabled path hands back a no-op Publisher so callers never branch.
package export

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

const (
	connectTimeout = 5 * time.Second
	keepAlive      = 60 * time.Second
	pingTimeout    = 10 * time.Second

	// Disconnect drain window in milliseconds, per the paho API.
	disconnectQuiesce = 250
)

// Publisher pushes telemetry snapshots to the configured broker.
type Publisher interface {
	Publish(ctx context.Context, snapshots []device.Snapshot) error
	Close() error
}

// TopicFor returns the broker topic for one device. The device key's
// type/id form maps directly onto MQTT topic segments.
func TopicFor(base string, key device.Key) string {
	return base + "/" + key.String()
}

type mqttPublisher struct {
	log    logger.Logger
	client mqtt.Client
	topic  string
}

// New builds a Publisher from the configuration. A disabled
// configuration yields a no-op Publisher, not an error.
func New(cfg Config, log logger.Logger) (Publisher, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Telemetry export disabled, using no-op publisher")

		return &noopPublisher{}, nil
	}
	cfg = cfg.withDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(pingTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("Broker connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("Broker connected")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errFactory.WithData(ErrConnectFailed, struct {
			Broker string
			Error  string
		}{
			Broker: cfg.Broker,
			Error:  token.Error().Error(),
		})
	}

	log.Info().
		Str("broker", cfg.Broker).
		Str("client_id", cfg.ClientID).
		Str("topic", cfg.Topic).
		Msg("Telemetry export started")

	return &mqttPublisher{log: log, client: client, topic: cfg.Topic}, nil
}

// Publish sends one message per snapshot at QoS 1. A broker outage
// surfaces as an error; dropped pushes are acceptable here, the
// durable record lives in the history database.
func (p *mqttPublisher) Publish(ctx context.Context, snapshots []device.Snapshot) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	default:
	}

	for i := range snapshots {
		payload, err := json.Marshal(&snapshots[i])
		if err != nil {
			return errFactory.Wrap(ErrPublishFailed, err)
		}

		topic := TopicFor(p.topic, snapshots[i].Key())
		if token := p.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
			return errFactory.WithData(ErrPublishFailed, struct {
				Topic string
				Error string
			}{
				Topic: topic,
				Error: token.Error().Error(),
			})
		}
	}

	return nil
}

func (p *mqttPublisher) Close() error {
	p.client.Disconnect(disconnectQuiesce)
	p.log.Debug().Msg("Telemetry export stopped")

	return nil
}

// noopPublisher satisfies Publisher when export is disabled.
type noopPublisher struct{}

func (n *noopPublisher) Publish(_ context.Context, _ []device.Snapshot) error {
	return nil
}

func (n *noopPublisher) Close() error {
	return nil
}
