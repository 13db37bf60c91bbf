package canvas

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisTopicPrefix = "canvas:"

// RedisBroker fans events out through Redis pub/sub so multiple canvasd
// nodes share one bus. Events are JSON on a canvas:{id} channel.
type RedisBroker struct {
	client    *redis.Client
	closeOnce sync.Once
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// NewRedisBrokerFromURL builds a broker from a redis:// DSN. The connection
// is not verified here; the first publish or subscribe surfaces dial errors.
func NewRedisBrokerFromURL(dsn string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return NewRedisBroker(redis.NewClient(opts)), nil
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	if b == nil || b.client == nil || event.CanvasID == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisTopicPrefix+event.CanvasID, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, canvasID string) (<-chan Event, func(), error) {
	if b == nil || b.client == nil || canvasID == "" {
		return nil, nil, ErrInvalidInput
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pubsub := b.client.Subscribe(ctx, redisTopicPrefix+canvasID)
	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.client != nil {
			err = b.client.Close()
		}
	})
	return err
}
