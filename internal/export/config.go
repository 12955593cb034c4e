package export

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	defaultBroker   = "tcp://localhost:1883"
	defaultClientID = "coolerctl"
	defaultTopic    = "coolerctl/telemetry"
)

// Config holds the MQTT export settings.
type Config struct {
	Enabled  bool
	Broker   string
	ClientID string
	Topic    string
}

func DefaultConfig() Config {
	return Config{
		Enabled:  false, // Disabled by default
		Broker:   defaultBroker,
		ClientID: defaultClientID,
		Topic:    defaultTopic,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Enabled && c.Broker == "" {
		return errFactory.New(ErrInvalidBroker)
	}

	return nil
}

// withDefaults fills the optional knobs so the publisher never builds
// empty identifiers or topics.
func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.Topic == "" {
		c.Topic = defaultTopic
	}

	return c
}
