package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message types carried on the activity queue.
const (
	TypeActivity = "activity"
)

// Message is one envelope on the activity queue; Body is decoded by Type.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// NewMessage marshals v into a message body.
func NewMessage(typ string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Body: body}, nil
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Queue carries activity entries from the API to the anomaly worker.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// ErrFull is returned by InMemory when the buffer is full.
var ErrFull = errors.New("queue full")

// InMemory only reaches consumers in the same process.
type InMemory struct {
	ch chan Message
}

func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message without blocking the caller on a full buffer.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-q.ch:
				if !forward(ctx, out, msg) {
					return
				}
			}
		}
	}()
	return out, nil
}

func forward(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// RedisQueue pushes to the head of a list and pops from the tail, so entries
// are consumed oldest first.
type RedisQueue struct {
	client  *redis.Client
	key     string
	backoff time.Duration
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendguard:activity"
	}
	return &RedisQueue{client: client, key: key, backoff: time.Second}
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams messages using BRPOP. Malformed entries are dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			popped, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, redis.Nil):
				continue
			case err != nil:
				// redis unavailable; avoid a hot loop
				select {
				case <-time.After(q.backoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			// popped is [key, value]
			var msg Message
			if len(popped) != 2 || json.Unmarshal([]byte(popped[1]), &msg) != nil {
				continue
			}
			if !forward(ctx, out, msg) {
				return
			}
		}
	}()
	return out, nil
}
