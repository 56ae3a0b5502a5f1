package liveevents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/matterly/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Broadcaster delivers committed events to every server instance's hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
}

// LocalBroadcaster publishes straight into the process hub. It is used when
// only one instance serves a team's devices.
type LocalBroadcaster struct {
	hub *Hub
}

func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, event Event) error {
	b.hub.Publish(event)
	return nil
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBroadcaster publishes locally and to a redis channel. Every instance
// relays what it receives into its own hub, skipping messages it sent.
type RedisBroadcaster struct {
	hub      *Hub
	client   *redis.Client
	channel  string
	instance string
	log      *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBroadcaster(hub *Hub, client *redis.Client, channel string, log *zap.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = "matterly:team-events"
	}
	return &RedisBroadcaster{
		hub:      hub,
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log.Named("liveevents.redis"),
	}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, event Event) error {
	b.hub.Publish(event)

	payload, err := json.Marshal(envelope{Origin: b.instance, Event: event})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Start subscribes to the channel and relays remote events until Stop.
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	b.pubsub = pubsub
	b.done = make(chan struct{})

	go b.relay(pubsub.Channel(), b.done)
	return nil
}

func (b *RedisBroadcaster) relay(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Warn("dropping malformed team event", zap.Error(err))
			continue
		}
		if env.Origin == b.instance {
			continue
		}
		b.hub.Publish(env.Event)
	}
}

func (b *RedisBroadcaster) Stop(context.Context) error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return errors.Join(err, b.client.Close())
}

// NewBroadcaster picks redis fan-out when an address is configured.
func NewBroadcaster(lc fx.Lifecycle, cfg config.Config, hub *Hub, log *zap.Logger) Broadcaster {
	addr := strings.TrimSpace(cfg.Broadcast.RedisAddr)
	if addr == "" {
		return NewLocalBroadcaster(hub)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Broadcast.RedisPassword),
		DB:       cfg.Broadcast.RedisDB,
	})
	b := NewRedisBroadcaster(hub, client, cfg.Broadcast.Channel, log)
	lc.Append(fx.Hook{
		OnStart: b.Start,
		OnStop:  b.Stop,
	})
	return b
}

var Module = fx.Module("matter.liveevents",
	fx.Provide(NewHub),
	fx.Provide(NewBroadcaster),
)
