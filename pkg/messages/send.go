package messages

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/locale"
	"github.com/go-go-golems/convsync/pkg/transport"
)

var errNoTransport = errors.Wrap(chatmodel.ErrTransport, "no transport configured")

type SendParams struct {
	Text              string
	Type              string
	Metadata          any
	RecipientID       string
	RecipientFullname string
	SenderID          string
	SenderFullname    string
	ChannelType       chatmodel.ChannelType
	Attributes        map[string]any
}

// SendMessage hands a message to the transport and returns the optimistic
// local copy right away. The returned message is the one the transport
// outcome is recorded on: it becomes StatusSentServer or StatusFailed under
// the synchronizer's lock, and a copy is emitted on the changed stream. Read
// its status after receiving that emission.
func (s *Synchronizer) SendMessage(ctx context.Context, p SendParams) *chatmodel.Message {
	if p.ChannelType == "" || p.ChannelType == "undefined" {
		p.ChannelType = chatmodel.ChannelDirect
	}
	if p.Type == "" {
		p.Type = chatmodel.MessageTypeText
	}
	lang := locale.Canonical(s.opts.Locale)
	attrs := make(map[string]any, len(p.Attributes)+1)
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs[chatmodel.AttrLang] = lang

	id := uuid.NewString()
	msg := &chatmodel.Message{
		UID:               id,
		MessageID:         id,
		Language:          lang,
		Sender:            p.SenderID,
		SenderFullname:    p.SenderFullname,
		Recipient:         p.RecipientID,
		RecipientFullname: p.RecipientFullname,
		Text:              p.Text,
		Timestamp:         s.sched.Now().UnixMilli(),
		Type:              p.Type,
		Status:            chatmodel.StatusSending,
		ChannelType:       p.ChannelType,
		Metadata:          p.Metadata,
		Attributes:        attrs,
		IsSender:          p.SenderID == s.opts.UserID,
	}
	out := transport.OutgoingMessage{
		MessageID:         id,
		Text:              msg.Text,
		Type:              msg.Type,
		RecipientID:       msg.Recipient,
		RecipientFullname: msg.RecipientFullname,
		SenderID:          msg.Sender,
		SenderFullname:    msg.SenderFullname,
		ChannelType:       msg.ChannelType,
		Attributes:        msg.Clone().Attributes,
		Metadata:          msg.Metadata,
		Timestamp:         msg.Timestamp,
	}

	if s.opts.Transport == nil {
		s.recordSendResult(msg, errNoTransport)
		return msg
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.opts.Transport.SendMessage(ctx, out, func(err error) {
		s.recordSendResult(msg, err)
	})
	return msg
}

func (s *Synchronizer) recordSendResult(msg *chatmodel.Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		msg.Status = chatmodel.StatusFailed
		s.opts.Metrics.SendFailed()
		s.logger.Warn().Err(err).Str("uid", msg.UID).Msg("send failed")
	} else {
		msg.Status = chatmodel.MaxStatus(msg.Status, chatmodel.StatusSentServer)
	}
	if s.disposed {
		return
	}
	if cur, ok := s.seq.Find(msg.UID); ok {
		if err != nil {
			cur.Status = chatmodel.StatusFailed
		} else {
			cur.Status = chatmodel.MaxStatus(cur.Status, msg.Status)
		}
		s.seq.Replace(cur)
		s.mirror(cur)
	}
	s.changed.Publish(msg.Clone())
}
