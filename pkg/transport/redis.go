package transport

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

// RedisSettings configures the Redis Streams binding.
type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

// NewRedisStreamPubSub builds a watermill publisher/subscriber pair backed by
// Redis Streams. The returned closer releases both and the client.
func NewRedisStreamPubSub(s RedisSettings) (message.Publisher, message.Subscriber, func() error, error) {
	if s.Addr == "" {
		return nil, nil, nil, errors.New("redis transport: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, errors.Wrap(err, "redis transport: publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, nil, nil, errors.Wrap(err, "redis transport: subscriber")
	}

	closer := func() error {
		var firstErr error
		for _, c := range []func() error{sub.Close, pub.Close, client.Close} {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return pub, sub, closer, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if
// it doesn't exist, so a fresh consumer does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// NewInProcessPubSub returns a gochannel pubsub usable as both publisher and
// subscriber within one process.
func NewInProcessPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, NewWatermillLogger(log.Logger))
}
