// Package notify publishes scribe lifecycle events and offline-sync warnings
// onto NATS. Events land on a JetStream-backed stream so downstream consumers
// (billing, analytics, the EHR sync worker) can replay them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName     = "SCRIBE_EVENTS"
	subjectPrefix  = "scribe.>"
	eventRetention = 7 * 24 * time.Hour
)

// Publisher wraps the NATS connection. A nil Publisher is valid and drops
// everything, so components can be wired without a broker in tests.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func Connect(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the durable event stream if it does not exist.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if p == nil {
		return nil
	}

	_, err := p.js.Stream(ctx, streamName)
	if err == nil {
		return nil
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    eventRetention,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}

	slog.Info("created event stream", "name", streamName, "subjects", subjectPrefix)
	return nil
}

// Publish sends raw bytes to a subject. Publish failures are the caller's to
// log; the pipeline never treats them as fatal.
func (p *Publisher) Publish(subject string, data []byte) error {
	if p == nil {
		return nil
	}
	return p.nc.Publish(subject, data)
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(subject string, v any) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.nc.Publish(subject, data)
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.nc.Drain()
}
