package presence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type busEnvelope struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisBus fans room events out through a Redis channel so members attached
// to any instance receive them. Every instance, including the sender, runs
// Run to deliver incoming envelopes to its local Registry.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *Registry
	logger  logrus.FieldLogger
}

func NewRedisBus(client *redis.Client, channel string, local *Registry, logger logrus.FieldLogger) *RedisBus {
	return &RedisBus{client: client, channel: channel, local: local, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, room string, event models.EventName, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(busEnvelope{Room: room, Frame: frame})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		return apperr.Upstream("publish room event", err)
	}
	return nil
}

// Run subscribes and delivers until ctx ends. ready, if non-nil, is closed
// once the subscription is confirmed.
func (b *RedisBus) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return apperr.Upstream("subscribe fanout channel", err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.WithField("channel", b.channel).Info("fanout subscription ready")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env busEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil || env.Room == "" {
				b.logger.WithField("payload", m.Payload).Warn("discarding malformed fanout message")
				continue
			}
			b.local.Deliver(env.Room, env.Frame)
		}
	}
}
