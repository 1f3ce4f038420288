package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisChannelPrefix namespaces the pub/sub channel used to wake a
// client's SSE subscribers as soon as a new event is published, instead
// of relying solely on the keep-alive poll.
const redisChannelPrefix = "fleetctl:sse:"

// Bus ties the durable Store to a Redis pub/sub channel so HTTP
// subscribers wake promptly on new events rather than polling blind.
type Bus struct {
	store  *Store
	rdb    *redis.Client
	logger *slog.Logger
}

// NewBus creates a Bus.
func NewBus(store *Store, rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{store: store, rdb: rdb, logger: logger}
}

func channelName(clientID uuid.UUID) string {
	return redisChannelPrefix + clientID.String()
}

// Publish persists an event and nudges any live subscribers via Redis
// pub/sub. Subscribers that miss the nudge still pick up the event on
// their next keep-alive poll, since delivery is at-least-once.
func (b *Bus) Publish(ctx context.Context, clientID uuid.UUID, eventType string, payload json.RawMessage) error {
	if err := b.store.Publish(ctx, clientID, eventType, payload); err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channelName(clientID), eventType).Err(); err != nil {
		b.logger.Warn("publishing sse wake signal", "client_id", clientID, "error", err)
	}
	return nil
}

// ServeHTTP streams pending events for the requesting client as
// server-sent events, then keeps the connection open and flushes new
// events as they arrive, until the client disconnects.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request, clientID uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	sub := b.rdb.Subscribe(ctx, channelName(clientID))
	defer sub.Close()

	cursor := time.Time{}
	cursor = b.flushPending(ctx, w, flusher, clientID, cursor)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Channel():
			cursor = b.flushPending(ctx, w, flusher, clientID, cursor)
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func (b *Bus) flushPending(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, clientID uuid.UUID, after time.Time) time.Time {
	events, err := b.store.PendingSince(ctx, clientID, after)
	if err != nil {
		b.logger.Error("fetching pending sse events", "client_id", clientID, "error", err)
		return after
	}
	if len(events) == 0 {
		return after
	}

	var delivered []uuid.UUID
	cursor := after
	for _, e := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.Payload)
		delivered = append(delivered, e.ID)
		if e.CreatedAt.After(cursor) {
			cursor = e.CreatedAt
		}
	}
	flusher.Flush()

	if err := b.store.MarkDelivered(ctx, delivered); err != nil {
		b.logger.Warn("marking sse events delivered", "client_id", clientID, "error", err)
	}
	return cursor
}
