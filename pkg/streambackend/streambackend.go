// Package streambackend wraps the stream transport used for event fan-out:
// an in-process gochannel transport by default, Redis Streams when enabled.
package streambackend

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds stream transport configuration.
type Settings struct {
	Enabled  bool   `env:"DONO_REDIS_ENABLED" envDefault:"false"`
	Addr     string `env:"DONO_REDIS_ADDR" envDefault:"localhost:6379"`
	Group    string `env:"DONO_REDIS_GROUP" envDefault:"dono-sync"`
	Consumer string `env:"DONO_REDIS_CONSUMER" envDefault:"sync-1"`
}

// PubSub pairs a publisher and subscriber over one transport.
type PubSub interface {
	Publisher() message.Publisher
	Subscriber() message.Subscriber
	Close() error
}

type pubSub struct {
	pub message.Publisher
	sub message.Subscriber
}

func (p *pubSub) Publisher() message.Publisher   { return p.pub }
func (p *pubSub) Subscriber() message.Subscriber { return p.sub }

func (p *pubSub) Close() error {
	errPub := p.pub.Close()
	errSub := p.sub.Close()
	if errPub != nil {
		return errPub
	}
	return errSub
}

// NewInMemory returns an in-process gochannel transport. Subscribers attached
// before publishing receive every message; this is the default for local
// replicas and tests.
func NewInMemory() PubSub {
	ch := gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger(log.Logger))
	return &pubSub{pub: ch, sub: ch}
}

// Build constructs the transport described by settings: gochannel when Redis
// is disabled, Redis Streams otherwise.
func Build(s Settings) (PubSub, error) {
	if !s.Enabled {
		return NewInMemory(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "streambackend: new redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "streambackend: new redis subscriber")
	}
	return &pubSub{pub: pub, sub: sub}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a first subscribe doesn't replay full history.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
