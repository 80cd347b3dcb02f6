package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

type EventKind string

const (
	KindAdded   EventKind = "added"
	KindChanged EventKind = "changed"
	KindRemoved EventKind = "removed"
)

// Event is one child notification for a stream: a user's conversation list or
// the message list of one conversation. Delivery is unordered and
// at-least-once.
type Event struct {
	Kind     EventKind       `json:"kind"`
	StreamID string          `json:"stream_id"`
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEvent encodes payload into an Event.
func NewEvent(kind EventKind, streamID, key string, payload any) (Event, error) {
	ev := Event{Kind: kind, StreamID: streamID, Key: key}
	if payload == nil {
		return ev, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrap(err, "encode event payload")
	}
	ev.Payload = b
	return ev, nil
}

func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	switch ev.Kind {
	case KindAdded, KindChanged, KindRemoved:
	default:
		return Event{}, errors.Errorf("decode event: unknown kind %q", ev.Kind)
	}
	return ev, nil
}

type Handler func(Event)

type Subscription interface {
	Unsubscribe() error
}

// OutgoingMessage is a message handed to the transport for delivery.
type OutgoingMessage struct {
	MessageID         string                `json:"message_id"`
	Text              string                `json:"text"`
	Type              string                `json:"type"`
	RecipientID       string                `json:"recipient"`
	RecipientFullname string                `json:"recipient_fullname"`
	SenderID          string                `json:"sender"`
	SenderFullname    string                `json:"sender_fullname"`
	ChannelType       chatmodel.ChannelType `json:"channel_type"`
	Attributes        map[string]any        `json:"attributes,omitempty"`
	Metadata          any                   `json:"metadata,omitempty"`
	Timestamp         int64                 `json:"timestamp"`
}

// SendCallback reports the outcome of a send. It runs on a transport goroutine.
type SendCallback func(err error)

type ConversationFlag struct {
	IsNew bool `json:"is_new"`
}

type StatusUpdate struct {
	MessageID      string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	Status         chatmodel.Status `json:"status"`
}

type FlagUpdate struct {
	ConversationID string           `json:"conversation_id"`
	Flag           ConversationFlag `json:"flag"`
}

// Transport is the realtime collaborator both synchronizers consume.
type Transport interface {
	OnAdded(ctx context.Context, streamID string, h Handler) (Subscription, error)
	OnChanged(ctx context.Context, streamID string, h Handler) (Subscription, error)
	OnRemoved(ctx context.Context, streamID string, h Handler) (Subscription, error)

	SendMessage(ctx context.Context, msg OutgoingMessage, cb SendCallback)
	UpdateStatus(ctx context.Context, messageID, conversationID string, status chatmodel.Status) error
	SetConversationFlag(ctx context.Context, conversationID string, flag ConversationFlag) error
}

// Emitter publishes child events, playing the remote side of a Transport.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

const (
	CommandSendMessage  = "send_message"
	CommandUpdateStatus = "update_status"
	CommandSetFlag      = "set_conversation_flag"
)

// EventTopic names the topic carrying kind events for streamID.
func EventTopic(prefix, streamID string, kind EventKind) string {
	return joinTopic(prefix, "events", sanitizeToken(streamID), string(kind))
}

// CommandTopic names the topic carrying one kind of outbound command.
func CommandTopic(prefix, command string) string {
	return joinTopic(prefix, "commands", command)
}

// ConversationsStreamID is the stream of a user's conversation list.
func ConversationsStreamID(tenant, userID string) string {
	return "apps/" + tenant + "/users/" + userID + "/conversations"
}

// MessagesStreamID is the stream of one conversation's messages.
func MessagesStreamID(tenant, userID, conversationWith string) string {
	return "apps/" + tenant + "/users/" + userID + "/messages/" + conversationWith
}

func joinTopic(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// sanitizeToken keeps stream ids usable as a single NATS subject token.
func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
