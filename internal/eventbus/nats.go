// Package eventbus publishes watcher events to NATS for external consumers
// (statistics pipelines, bots). Publishing is fire-and-forget: a broker
// hiccup must never stall a polling loop.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"gamemon/internal/domain"
)

// envelope is the wire form of one published event.
type envelope struct {
	ID        string           `json:"id"`
	Type      domain.EventType `json:"type"`
	Time      time.Time        `json:"time"`
	WatcherID *int64           `json:"watcher_id,omitempty"`
	UserID    *int64           `json:"user_id,omitempty"`
	GameID    *int64           `json:"game_id,omitempty"`
	Info      string           `json:"info,omitempty"`
}

// Publisher fans events out to NATS subjects named <prefix>.<event-type>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gamemon"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &Publisher{nc: nc, prefix: prefix}, nil
}

// Publish sends one event. Errors are logged and dropped.
func (p *Publisher) Publish(ev domain.Event) {
	env := envelope{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		Time:      ev.Time,
		WatcherID: ev.WatcherID,
		UserID:    ev.UserID,
		GameID:    ev.GameID,
		Info:      ev.Info,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("eventbus: marshaling %s event: %v", ev.Type, err)
		return
	}
	subject := p.prefix + "." + string(ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Printf("eventbus: publishing to %s: %v", subject, err)
	}
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.Printf("eventbus: draining connection: %v", err)
	}
}
