package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/redisstream"
)

const (
	TopicMessages = "parley.messages"
	TopicPresence = "parley.presence"
)

// Bus fans direct messages and presence changes out to every relay
// instance, this one included.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	// prepare runs before the first subscription to a topic
	prepare func(ctx context.Context, topic string) error
	closers []func() error
}

// NewMemoryBus returns an in-process bus for a single relay instance.
func NewMemoryBus() *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, redisstream.NewWatermill(log.Logger))
	return &Bus{
		publisher:  pubsub,
		subscriber: pubsub,
		closers:    []func() error{pubsub.Close},
	}
}

// NewRedisBus returns a bus on Redis Streams. Every instance reads with its
// own consumer group so each instance sees every event.
func NewRedisBus(client redis.UniversalClient, instanceID string) (*Bus, error) {
	if client == nil {
		return nil, errors.New("redis bus: client is nil")
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	group := "parley-relay-" + instanceID
	pub, err := redisstream.BuildPublisher(client)
	if err != nil {
		return nil, err
	}
	sub, err := redisstream.BuildGroupSubscriber(client, group, instanceID)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		prepare: func(ctx context.Context, topic string) error {
			return redisstream.EnsureGroupAtTail(ctx, client, topic, group)
		},
		closers: []func() error{sub.Close, pub.Close},
	}, nil
}

func (b *Bus) publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "bus: marshal %s", topic)
	}
	msg := message.NewMessage(uuid.NewString(), body)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "bus: publish %s", topic)
	}
	return nil
}

// PublishMessage announces a stored direct message.
func (b *Bus) PublishMessage(m chat.Message) error {
	return b.publish(TopicMessages, m)
}

// PublishPresence announces that user's presence changed.
func (b *Bus) PublishPresence(user string) error {
	return b.publish(TopicPresence, user)
}

// Subscribe starts consuming topic. The caller must Ack every message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b.prepare != nil {
		if err := b.prepare(ctx, topic); err != nil {
			return nil, err
		}
	}
	ch, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "bus: subscribe %s", topic)
	}
	return ch, nil
}

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
