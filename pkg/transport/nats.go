package transport

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// NATS binds Transport to NATS subjects, one subject per stream and event kind.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

var (
	_ Transport = &NATS{}
	_ Emitter   = &NATS{}
)

func NewNATS(nc *nats.Conn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

// ConnectNATS dials url with reconnect handlers that log through zerolog.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("component", "transport").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("component", "transport").Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "nats transport: connect %s", url)
	}
	return nc, nil
}

func (n *NATS) OnAdded(ctx context.Context, streamID string, h Handler) (Subscription, error) {
	return n.subscribe(streamID, KindAdded, h)
}

func (n *NATS) OnChanged(ctx context.Context, streamID string, h Handler) (Subscription, error) {
	return n.subscribe(streamID, KindChanged, h)
}

func (n *NATS) OnRemoved(ctx context.Context, streamID string, h Handler) (Subscription, error) {
	return n.subscribe(streamID, KindRemoved, h)
}

func (n *NATS) subscribe(streamID string, kind EventKind, h Handler) (Subscription, error) {
	if n == nil || n.nc == nil {
		return nil, errors.New("nats transport: connection is nil")
	}
	if h == nil {
		return nil, errors.New("nats transport: handler is nil")
	}
	subject := EventTopic(n.prefix, streamID, kind)
	sub, err := n.nc.Subscribe(subject, func(m *nats.Msg) {
		ev, err := DecodeEvent(m.Data)
		if err != nil {
			log.Warn().Err(err).Str("component", "transport").Str("subject", m.Subject).Msg("nats transport: failed to decode event")
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "nats transport: subscribe %s", subject)
	}
	return sub, nil
}

func (n *NATS) Emit(_ context.Context, ev Event) error {
	if ev.StreamID == "" {
		return errors.New("nats transport: event stream id is empty")
	}
	return n.publishJSON(EventTopic(n.prefix, ev.StreamID, ev.Kind), ev)
}

func (n *NATS) SendMessage(_ context.Context, msg OutgoingMessage, cb SendCallback) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	err := n.publishJSON(CommandTopic(n.prefix, CommandSendMessage), msg)
	if err != nil {
		err = errors.Wrap(chatmodel.ErrTransport, err.Error())
	}
	if cb != nil {
		cb(err)
	}
}

func (n *NATS) UpdateStatus(_ context.Context, messageID, conversationID string, status chatmodel.Status) error {
	return n.publishJSON(CommandTopic(n.prefix, CommandUpdateStatus), StatusUpdate{
		MessageID:      messageID,
		ConversationID: conversationID,
		Status:         status,
	})
}

func (n *NATS) SetConversationFlag(_ context.Context, conversationID string, flag ConversationFlag) error {
	return n.publishJSON(CommandTopic(n.prefix, CommandSetFlag), FlagUpdate{
		ConversationID: conversationID,
		Flag:           flag,
	})
}

func (n *NATS) publishJSON(subject string, v any) error {
	if n == nil || n.nc == nil {
		return errors.New("nats transport: connection is nil")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "nats transport: marshal")
	}
	if err := n.nc.Publish(subject, b); err != nil {
		return errors.Wrapf(err, "nats transport: publish %s", subject)
	}
	return nil
}
