package chatmodel

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Status is the ordered delivery code of a message.
type Status int

const (
	StatusFailed     Status = -100
	StatusSending    Status = 0
	StatusSent       Status = 100
	StatusSentServer Status = 150
	StatusReceived   Status = 200
	StatusRead       Status = 300
)

// MaxStatus returns the more advanced of two delivery codes.
func MaxStatus(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

type ChannelType string

const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
)

// ConversationStatus tells whether a conversation has unread messages.
type ConversationStatus string

const (
	ConversationRead   ConversationStatus = "0"
	ConversationUnread ConversationStatus = "1"
)

const (
	MessageTypeText    = "text"
	MessageTypeImage   = "image"
	MessageTypeFile    = "file"
	MessageTypeInfo    = "info"
	MessageTypeCommand = "command"
)

var (
	ErrInvalidConversation = errors.New("invalid conversation")
	ErrNotFound            = errors.New("not found")
	ErrTransport           = errors.New("transport failure")
)

// Field names a nullable conversation attribute as delivered by the transport.
type Field uint16

const (
	FieldUID Field = 1 << iota
	FieldIsNew
	FieldLastMessageText
	FieldRecipient
	FieldRecipientFullname
	FieldSender
	FieldSenderFullname
	FieldStatus
	FieldTimestamp
	FieldChannelType
)

// RequiredFields lists the attributes a conversation must carry (possibly as
// empty or zero values) before it may enter a conversation list.
var RequiredFields = []struct {
	Field Field
	Name  string
}{
	{FieldUID, "uid"},
	{FieldIsNew, "is_new"},
	{FieldLastMessageText, "last_message_text"},
	{FieldRecipient, "recipient"},
	{FieldRecipientFullname, "recipient_fullname"},
	{FieldSender, "sender"},
	{FieldSenderFullname, "sender_fullname"},
	{FieldStatus, "status"},
	{FieldTimestamp, "timestamp"},
	{FieldChannelType, "channel_type"},
}

// Conversation is one entry of a user's conversation list.
//
// Values decoded from JSON remember which of the nullable attributes were
// present and non-null, so that a missing field can be told apart from an
// empty string, 0 or false.
type Conversation struct {
	UID                      string             `json:"uid"`
	Sender                   string             `json:"sender"`
	SenderFullname           string             `json:"sender_fullname"`
	Recipient                string             `json:"recipient"`
	RecipientFullname        string             `json:"recipient_fullname"`
	ConversationWith         string             `json:"conversation_with"`
	ConversationWithFullname string             `json:"conversation_with_fullname"`
	ChannelType              ChannelType        `json:"channel_type"`
	LastMessageText          string             `json:"last_message_text"`
	Timestamp                int64              `json:"timestamp"`
	IsNew                    bool               `json:"is_new"`
	Status                   ConversationStatus `json:"status"`
	TimeLastMessage          string             `json:"time_last_message,omitempty"`
	Avatar                   string             `json:"avatar,omitempty"`
	Color                    string             `json:"color,omitempty"`
	Image                    string             `json:"image,omitempty"`
	Selected                 bool               `json:"selected"`
	Attributes               map[string]any     `json:"attributes,omitempty"`

	present Field
}

// Has reports whether f was delivered (or derived) with a non-null value.
func (c Conversation) Has(f Field) bool {
	return c.present&f == f
}

// Mark records f as present.
func (c *Conversation) Mark(f Field) {
	c.present |= f
}

// Unmark records f as null.
func (c *Conversation) Unmark(f Field) {
	c.present &^= f
}

type wireConversation struct {
	UID                      *string             `json:"uid"`
	Sender                   *string             `json:"sender"`
	SenderFullname           *string             `json:"sender_fullname"`
	Recipient                *string             `json:"recipient"`
	RecipientFullname        *string             `json:"recipient_fullname"`
	ConversationWith         string              `json:"conversation_with"`
	ConversationWithFullname string              `json:"conversation_with_fullname"`
	ChannelType              *ChannelType        `json:"channel_type"`
	LastMessageText          *string             `json:"last_message_text"`
	Timestamp                *int64              `json:"timestamp"`
	IsNew                    *bool               `json:"is_new"`
	Status                   *ConversationStatus `json:"status"`
	TimeLastMessage          string              `json:"time_last_message"`
	Avatar                   string              `json:"avatar"`
	Color                    string              `json:"color"`
	Image                    string              `json:"image"`
	Selected                 bool                `json:"selected"`
	Attributes               map[string]any      `json:"attributes"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var w wireConversation
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode conversation")
	}
	*c = Conversation{
		ConversationWith:         w.ConversationWith,
		ConversationWithFullname: w.ConversationWithFullname,
		TimeLastMessage:          w.TimeLastMessage,
		Avatar:                   w.Avatar,
		Color:                    w.Color,
		Image:                    w.Image,
		Selected:                 w.Selected,
		Attributes:               w.Attributes,
	}
	setString(c, FieldUID, &c.UID, w.UID)
	setString(c, FieldSender, &c.Sender, w.Sender)
	setString(c, FieldSenderFullname, &c.SenderFullname, w.SenderFullname)
	setString(c, FieldRecipient, &c.Recipient, w.Recipient)
	setString(c, FieldRecipientFullname, &c.RecipientFullname, w.RecipientFullname)
	setString(c, FieldLastMessageText, &c.LastMessageText, w.LastMessageText)
	if w.ChannelType != nil {
		c.ChannelType = *w.ChannelType
		c.Mark(FieldChannelType)
	}
	if w.Timestamp != nil {
		c.Timestamp = *w.Timestamp
		c.Mark(FieldTimestamp)
	}
	if w.IsNew != nil {
		c.IsNew = *w.IsNew
		c.Mark(FieldIsNew)
	}
	if w.Status != nil {
		c.Status = *w.Status
		c.Mark(FieldStatus)
	}
	return nil
}

func setString(c *Conversation, f Field, dst *string, src *string) {
	if src == nil {
		return
	}
	*dst = *src
	c.Mark(f)
}

// Message is one entry of a conversation's message list.
type Message struct {
	UID               string         `json:"uid"`
	MessageID         string         `json:"message_id,omitempty"`
	Language          string         `json:"language,omitempty"`
	Sender            string         `json:"sender"`
	SenderFullname    string         `json:"sender_fullname"`
	Recipient         string         `json:"recipient"`
	RecipientFullname string         `json:"recipient_fullname"`
	Text              string         `json:"text"`
	Timestamp         int64          `json:"timestamp"`
	Type              string         `json:"type"`
	Status            Status         `json:"status"`
	ChannelType       ChannelType    `json:"channel_type"`
	Metadata          any            `json:"metadata,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	IsSender          bool           `json:"isSender"`
}

// Clone returns a copy of m with its own attribute map.
func (m Message) Clone() Message {
	if m.Attributes != nil {
		attrs := make(map[string]any, len(m.Attributes))
		for k, v := range m.Attributes {
			attrs[k] = v
		}
		m.Attributes = attrs
	}
	return m
}

// Normalize fills UID from MessageID when the transport only supplied the latter.
func (m *Message) Normalize() {
	if m.UID == "" {
		m.UID = m.MessageID
	}
	if m.MessageID == "" {
		m.MessageID = m.UID
	}
}

const (
	CommandMessage = "message"
	CommandWait    = "wait"
)

// ScriptedCommand is one step of a bot command script carried in
// attributes.commands.
type ScriptedCommand struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	// Time is the wait duration in milliseconds. Nil means not specified.
	Time *int64 `json:"time,omitempty"`
}

// IsBlank reports whether a fullname should fall back to the matching id.
func IsBlank(s string) bool {
	return s == "undefined" || strings.TrimSpace(s) == ""
}
