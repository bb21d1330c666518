package progress

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const channelPrefix = "sync:progress:"

// RedisBroker fans events out over Redis pub/sub so subscribers can sit
// on any engine instance. Publishing to a channel with no subscribers
// drops the event, which is exactly the contract.
type RedisBroker struct {
	client *goredis.Client
}

func NewRedisBroker(client *goredis.Client) (*RedisBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+event.BatchID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, batchID string) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, channelPrefix+batchID)

	// Force the SUBSCRIBE round trip so a broken connection surfaces here
	// instead of as a silent, empty stream.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to progress events: %w", err)
	}

	events := make(chan Event, subscriberBuffer)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return events, cancel, nil
}
