// Package notifier tells interested parties that a record changed. Delivery
// is best effort: the broker logs a failed notification and carries on.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"midas/pkg/platform/circuit"
)

// Event describes one committed change.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Collection string    `json:"collection"`
	RecordID   string    `json:"record_id"`
	Actor      string    `json:"actor,omitempty"`
	State      string    `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ, coll, recordID, actor string, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Collection: coll,
		RecordID:   recordID,
		Actor:      actor,
		Time:       now.UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Redis publishes events as JSON on a pub/sub channel per collection.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis publishes on "<prefix>:<collection>"; prefix defaults to "dbio:events".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "dbio:events"
	}
	return &Redis{client: client, prefix: prefix}
}

// Channel returns the channel events for coll are published on.
func (r *Redis) Channel(coll string) string {
	return r.prefix + ":" + coll
}

func (r *Redis) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(e.Collection), payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", e.ID, err)
	}
	return nil
}

// Log writes each event as a structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, e Event) error {
	if l.logger == nil {
		return nil
	}
	l.logger.InfoContext(ctx, "record_changed",
		"event_id", e.ID,
		"event_type", e.Type,
		"collection", e.Collection,
		"record_id", e.RecordID,
		"actor", e.Actor,
		"state", e.State,
	)
	return nil
}

// Multi delivers to every notifier, returning all failures together.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var result *multierror.Error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Guarded delivers to Primary while it is healthy. Once Primary has failed
// often enough to open the breaker, Fallback takes the events (and Primary's
// errors are swallowed) until Primary recovers.
type Guarded struct {
	Primary  Notifier
	Fallback Notifier
	Breaker  *circuit.Breaker
	Logger   *slog.Logger
}

// NewGuarded guards primary with a default breaker named after it.
func NewGuarded(name string, primary, fallback Notifier, logger *slog.Logger) *Guarded {
	return &Guarded{Primary: primary, Fallback: fallback, Breaker: circuit.New(name), Logger: logger}
}

func (g *Guarded) Notify(ctx context.Context, e Event) error {
	err := g.Primary.Notify(ctx, e)
	if err != nil {
		useFallback, change := g.Breaker.RecordFailure()
		if change.Opened && g.Logger != nil {
			g.Logger.WarnContext(ctx, "notifier_circuit_opened", "notifier", g.Breaker.Name(), "error", err)
		}
		if useFallback && g.Fallback != nil {
			return g.Fallback.Notify(ctx, e)
		}
		return err
	}
	usePrimary, change := g.Breaker.RecordSuccess()
	if change.Closed && g.Logger != nil {
		g.Logger.InfoContext(ctx, "notifier_circuit_closed", "notifier", g.Breaker.Name())
	}
	if !usePrimary && g.Fallback != nil {
		return g.Fallback.Notify(ctx, e)
	}
	return nil
}
