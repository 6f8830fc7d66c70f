package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"paycore/internal/config"
	"paycore/internal/models"

	"github.com/nats-io/nats.go"
)

// AlertSink is the outbound channel for operator alerts. Delivery is
// at-least-once: the caller marks rows delivered only after Publish returns
// nil, so a sink failure leaves the alert queued.
type AlertSink interface {
	Publish(alert *models.PaymentAlert) error
	Close()
}

// NATSAlertSink publishes alerts to a NATS subject.
type NATSAlertSink struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSAlertSink connects to the configured NATS server.
func NewNATSAlertSink(cfg *config.NATSConfig) (*NATSAlertSink, error) {
	reconnectWait := time.Duration(cfg.ReconnectWait) * time.Second
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 60
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("⚠️ NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	log.Printf("✅ Connected to NATS at %s (subject=%s)", cfg.URL, cfg.AlertSubject)
	return &NATSAlertSink{
		conn:    conn,
		subject: cfg.AlertSubject,
		timeout: timeout,
	}, nil
}

// Publish sends one alert and flushes, so a nil return means the server
// accepted the message.
func (s *NATSAlertSink) Publish(alert *models.PaymentAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", alert.ID, err)
	}
	return s.conn.FlushTimeout(s.timeout)
}

// Close drains the connection.
func (s *NATSAlertSink) Close() {
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
		}
	}
}
