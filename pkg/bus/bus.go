// Package bus carries Telegram updates from the poller to the dispatcher over
// a watermill pub/sub, in memory or through Redis Streams.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/go-go-golems/relaybot/pkg/telegram"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultTopic       = "relaybot.updates"
	DefaultConcurrency = 32
)

type Settings struct {
	Backend  string `mapstructure:"backend" yaml:"backend,omitempty"`
	Addr     string `mapstructure:"addr" yaml:"addr,omitempty"`
	Group    string `mapstructure:"group" yaml:"group,omitempty"`
	Consumer string `mapstructure:"consumer" yaml:"consumer,omitempty"`
	Topic    string `mapstructure:"topic" yaml:"topic,omitempty"`
	// Concurrency bounds the number of updates handled at once.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency,omitempty"`
}

type Bus struct {
	pub         message.Publisher
	sub         message.Subscriber
	topic       string
	concurrency int64
	client      *redis.Client
	ready       chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
}

// New builds the pub/sub for the configured backend. An empty backend means
// memory.
func New(ctx context.Context, s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	b := &Bus{topic: s.Topic, concurrency: int64(s.Concurrency), ready: make(chan struct{})}
	if b.topic == "" {
		b.topic = DefaultTopic
	}
	if b.concurrency <= 0 {
		b.concurrency = DefaultConcurrency
	}

	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", BackendMemory:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		b.pub, b.sub = ch, ch
	case BackendRedis:
		if s.Addr == "" {
			s.Addr = "localhost:6379"
		}
		if s.Group == "" {
			s.Group = "relaybot"
		}
		if s.Consumer == "" {
			s.Consumer = "relaybot-" + uuid.NewString()[:8]
		}
		b.client = redis.NewClient(&redis.Options{Addr: s.Addr})
		if err := ensureGroupAtTail(ctx, b.client, b.topic, s.Group); err != nil {
			_ = b.client.Close()
			return nil, errors.Wrap(err, "create consumer group")
		}
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{Client: b.client, Marshaller: marshaler}, logger)
		if err != nil {
			_ = b.client.Close()
			return nil, errors.Wrap(err, "redis publisher")
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        b.client,
			Unmarshaller:  marshaler,
			ConsumerGroup: s.Group,
			Consumer:      s.Consumer,
		}, logger)
		if err != nil {
			_ = pub.Close()
			_ = b.client.Close()
			return nil, errors.Wrap(err, "redis subscriber")
		}
		b.pub, b.sub = pub, sub
	default:
		return nil, errors.Errorf("unknown bus backend %q", s.Backend)
	}
	return b, nil
}

// ensureGroupAtTail creates the consumer group at the stream tail so a fresh
// group does not replay old updates.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("component", "bus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}

// Ready is closed once Consume has subscribed. The memory backend drops
// updates published before that.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// Publish enqueues one update.
func (b *Bus) Publish(_ context.Context, u telegram.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "encode update")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return errors.Wrap(err, "publish update")
	}
	return nil
}

// Consume delivers updates to handle until ctx is done. Updates run
// concurrently up to the configured bound; a message is acked once its
// handler has been started.
func (b *Bus) Consume(ctx context.Context, handle func(ctx context.Context, u telegram.Update) error) error {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	b.readyOnce.Do(func() { close(b.ready) })
	sem := semaphore.NewWeighted(b.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var u telegram.Update
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				log.Warn().Err(err).Str("component", "bus").Str("message_uuid", msg.UUID).Msg("dropping undecodable update")
				msg.Ack()
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				msg.Nack()
				return nil
			}
			msg.Ack()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if err := handle(ctx, u); err != nil {
					log.Warn().Err(err).Str("component", "bus").Int64("update_id", u.UpdateID).Msg("update handler failed")
				}
			}()
		}
	}
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.pub != nil {
			err = b.pub.Close()
		}
		if b.sub != nil && any(b.sub) != any(b.pub) {
			if e := b.sub.Close(); e != nil && err == nil {
				err = e
			}
		}
		if b.client != nil {
			if e := b.client.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
