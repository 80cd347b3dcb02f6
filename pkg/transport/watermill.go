package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// Watermill binds Transport to a watermill publisher/subscriber pair: the
// in-process gochannel pubsub or Redis Streams.
type Watermill struct {
	pub    message.Publisher
	sub    message.Subscriber
	prefix string
}

var (
	_ Transport = &Watermill{}
	_ Emitter   = &Watermill{}
)

func NewWatermill(pub message.Publisher, sub message.Subscriber, prefix string) *Watermill {
	return &Watermill{pub: pub, sub: sub, prefix: prefix}
}

func (w *Watermill) OnAdded(ctx context.Context, streamID string, h Handler) (Subscription, error) {
	return w.subscribe(ctx, streamID, KindAdded, h)
}

func (w *Watermill) OnChanged(ctx context.Context, streamID string, h Handler) (Subscription, error) {
	return w.subscribe(ctx, streamID, KindChanged, h)
}

func (w *Watermill) OnRemoved(ctx context.Context, streamID string, h Handler) (Subscription, error) {
	return w.subscribe(ctx, streamID, KindRemoved, h)
}

type watermillSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *watermillSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (w *Watermill) subscribe(ctx context.Context, streamID string, kind EventKind, h Handler) (Subscription, error) {
	if w == nil || w.sub == nil {
		return nil, errors.New("watermill transport: subscriber is nil")
	}
	if h == nil {
		return nil, errors.New("watermill transport: handler is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	topic := EventTopic(w.prefix, streamID, kind)
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := w.sub.Subscribe(runCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "watermill transport: subscribe %s", topic)
	}
	s := &watermillSubscription{cancel: cancel, done: make(chan struct{})}
	go w.consume(runCtx, topic, ch, h, s.done)
	return s, nil
}

func (w *Watermill) consume(ctx context.Context, topic string, ch <-chan *message.Message, h Handler, done chan struct{}) {
	defer close(done)
	logger := log.With().Str("component", "transport").Str("topic", topic).Logger()
	logger.Debug().Msg("watermill transport: consuming")
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("watermill transport: stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Debug().Msg("watermill transport: channel closed")
				return
			}
			ev, err := DecodeEvent(msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("watermill transport: failed to decode event")
				msg.Ack()
				continue
			}
			h(ev)
			msg.Ack()
		}
	}
}

// Emit publishes ev on its event topic.
func (w *Watermill) Emit(ctx context.Context, ev Event) error {
	if ev.StreamID == "" {
		return errors.New("watermill transport: event stream id is empty")
	}
	return w.publishJSON(ctx, EventTopic(w.prefix, ev.StreamID, ev.Kind), ev)
}

func (w *Watermill) SendMessage(ctx context.Context, msg OutgoingMessage, cb SendCallback) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	err := w.publishJSON(ctx, CommandTopic(w.prefix, CommandSendMessage), msg)
	if err != nil {
		err = errors.Wrap(chatmodel.ErrTransport, err.Error())
	}
	if cb != nil {
		cb(err)
	}
}

func (w *Watermill) UpdateStatus(ctx context.Context, messageID, conversationID string, status chatmodel.Status) error {
	return w.publishJSON(ctx, CommandTopic(w.prefix, CommandUpdateStatus), StatusUpdate{
		MessageID:      messageID,
		ConversationID: conversationID,
		Status:         status,
	})
}

func (w *Watermill) SetConversationFlag(ctx context.Context, conversationID string, flag ConversationFlag) error {
	return w.publishJSON(ctx, CommandTopic(w.prefix, CommandSetFlag), FlagUpdate{
		ConversationID: conversationID,
		Flag:           flag,
	})
}

func (w *Watermill) publishJSON(ctx context.Context, topic string, v any) error {
	if w == nil || w.pub == nil {
		return errors.New("watermill transport: publisher is nil")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "watermill transport: marshal")
	}
	msg := message.NewMessage(uuid.NewString(), b)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := w.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "watermill transport: publish %s", topic)
	}
	return nil
}
