package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-gigmarket/model"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultOutboxKey = "gigmarket:outbox"
	DefaultChannel   = "gigmarket:events"
)

func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// RedisQueue is the outbox committed events wait in until a worker
// broadcasts them. Events survive a restart of the service.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultOutboxKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks up to blockFor and returns nil, nil when nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context, blockFor time.Duration) (*model.Event, error) {
	result, err := q.client.BRPop(ctx, blockFor, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result: %v", result)
	}

	var ev model.Event
	if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Broadcaster fans events out to every subscriber over pub/sub.
type Broadcaster struct {
	client  *redis.Client
	channel string
}

func NewBroadcaster(client *redis.Client, channel string) *Broadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Broadcaster{client: client, channel: channel}
}

func (b *Broadcaster) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe streams events until ctx is done or the returned cancel is called.
// Messages that do not decode are skipped.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan model.Event, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan model.Event)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
