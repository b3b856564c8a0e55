package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-subscription-ledger/internal/ledger"
)

const eventQueueKey = "ledger:events"

// EventQueue pushes committed ledger events onto a Redis list for
// downstream consumers.
type EventQueue struct {
	rdb *redis.Client
}

func NewEventQueue(rdb *redis.Client) *EventQueue {
	return &EventQueue{rdb: rdb}
}

func (q *EventQueue) Emit(ctx context.Context, ev ledger.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.rdb.RPush(ctx, eventQueueKey, string(raw)).Err()
}
