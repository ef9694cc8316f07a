package mqtt

import (
	"errors"
	"net/url"

	"go.uber.org/zap"
)

// Option configures an MQTTBroker.
type Option func(m *MQTTBroker) error

// WithURL returns an Option which set the broker url.
func WithURL(u string) Option {
	return func(m *MQTTBroker) error {
		if u == "" {
			return errors.New("empty broker url")
		}
		uri, err := url.Parse(u)
		if err != nil {
			return err
		}
		m.uri = uri
		return nil
	}
}

// WithClientID returns an Option which set the broker client id.
func WithClientID(id string) Option {
	return func(m *MQTTBroker) error {
		m.clientID = id
		return nil
	}
}

// WithLogger returns an Option which set the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *MQTTBroker) error {
		m.logger = l
		return nil
	}
}
