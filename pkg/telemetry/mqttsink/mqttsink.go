// Package mqttsink publishes registry call telemetry as JSON messages over MQTT.
package mqttsink

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/and161185/iotcloud-client/pkg/telemetry"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultQuiesce        = 250 // milliseconds
	defaultTopicPrefix    = "iotcloud/client/calls"
	maxQoS                = 2
)

var (
	// ErrConnectionFailed indicates the broker could not be reached.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrInvalidQoS indicates a QoS outside 0..2.
	ErrInvalidQoS = errors.New("mqtt: invalid qos")
)

// Config holds broker settings.
type Config struct {
	Enabled     bool
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TLS         bool
	TopicPrefix string
	QoS         byte
}

// Publisher is the subset of pahomqtt.Client used by the sink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Sink publishes each attempt to <prefix>/<collection>/<operation>.
type Sink struct {
	pub    Publisher
	prefix string
	qos    byte
	log    *zap.Logger
	client pahomqtt.Client
}

var _ telemetry.Sink = (*Sink)(nil)

type message struct {
	RequestID  string  `json:"requestId"`
	Operation  string  `json:"operation"`
	Collection string  `json:"collection"`
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	Attempt    int     `json:"attempt"`
	Status     int     `json:"status,omitempty"`
	Outcome    string  `json:"outcome"`
	DurationMS float64 `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string, qos byte, log *zap.Logger) (*Sink, error) {
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{pub: pub, prefix: prefix, qos: qos, log: log}, nil
}

var newClient = pahomqtt.NewClient

// Connect dials the broker and returns a sink over the connection.
// A failed connection is torn down so auto-reconnect does not keep it alive.
func Connect(cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := newClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		client.Disconnect(defaultQuiesce)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		client.Disconnect(defaultQuiesce)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s, err := New(client, cfg.TopicPrefix, cfg.QoS, log)
	if err != nil {
		client.Disconnect(defaultQuiesce)
		return nil, err
	}
	s.client = client
	return s, nil
}

// Topic returns the topic an event is published to.
func (s *Sink) Topic(ev telemetry.Event) string {
	return s.prefix + "/" + ev.Collection + "/" + ev.Operation
}

// Record implements telemetry.Sink. The publish acknowledgement is awaited off the caller's goroutine.
func (s *Sink) Record(ev telemetry.Event) {
	msg := message{
		RequestID:  ev.RequestID,
		Operation:  ev.Operation,
		Collection: ev.Collection,
		Method:     ev.Method,
		Path:       ev.Path,
		Attempt:    ev.Attempt,
		Status:     ev.Status,
		Outcome:    string(ev.Outcome),
		DurationMS: float64(ev.Duration) / float64(time.Millisecond),
		Timestamp:  ev.Start.UTC().Format(time.RFC3339Nano),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("mqtt telemetry encode", zap.Error(err))
		return
	}

	topic := s.Topic(ev)
	tok := s.pub.Publish(topic, s.qos, false, payload)
	go func() {
		if !tok.WaitTimeout(defaultPublishTimeout) {
			s.log.Warn("mqtt telemetry publish timeout", zap.String("topic", topic))
			return
		}
		if err := tok.Error(); err != nil {
			s.log.Warn("mqtt telemetry publish", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// Close disconnects a client created by Connect.
func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Disconnect(defaultQuiesce)
	}
	return nil
}
