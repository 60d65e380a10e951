// Package relay carries hub broadcasts between server processes over Redis
// pub/sub, so sessions connected to different processes see each other's
// refresh notifications.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "outlineserver:broadcast"

const outboxSize = 256

type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

func wrap(origin string, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Payload: payload})
}

// unwrap returns the payload of a message published by another process.
func unwrap(origin string, data []byte) ([]byte, bool) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		glog.Infof("[relay]bad message = %s\n", err)
		return nil, false
	}
	if e.Origin == origin || len(e.Payload) == 0 {
		return nil, false
	}
	return e.Payload, true
}

type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	outbox  chan []byte
}

// NewRedis connects to the Redis server at addr.
func NewRedis(ctx context.Context, addr string, channel string) (*Redis, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	glog.Infof("[relay]connected to %s channel %s\n", addr, channel)
	return &Redis{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		outbox:  make(chan []byte, outboxSize),
	}, nil
}

// Publish queues payload for the other processes. It never blocks the
// caller; when the queue is full the payload is dropped.
func (r *Redis) Publish(payload []byte) {
	select {
	case r.outbox <- payload:
	default:
		glog.Infof("[relay]outbox full, drop %d bytes\n", len(payload))
	}
}

// Run publishes queued payloads and hands payloads from other processes to
// deliver until ctx is done.
func (r *Redis) Run(ctx context.Context, deliver chan<- []byte) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-r.outbox:
			data, err := wrap(r.origin, payload)
			if err != nil {
				glog.Infof("[relay]encode = %s\n", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				glog.Infof("[relay]publish = %s\n", err)
			}
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			payload, ok := unwrap(r.origin, []byte(message.Payload))
			if !ok {
				continue
			}
			select {
			case deliver <- payload:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
