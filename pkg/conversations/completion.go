package conversations

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// complete fills the derived fields of c. Callers hold s.mu.
func (s *Synchronizer) complete(c chatmodel.Conversation) chatmodel.Conversation {
	if chatmodel.IsBlank(c.SenderFullname) && c.Has(chatmodel.FieldSender) {
		c.SenderFullname = c.Sender
		c.Mark(chatmodel.FieldSenderFullname)
	}
	if chatmodel.IsBlank(c.RecipientFullname) && c.Has(chatmodel.FieldRecipient) {
		c.RecipientFullname = c.Recipient
		c.Mark(chatmodel.FieldRecipientFullname)
	}

	c.ConversationWith = c.Sender
	c.ConversationWithFullname = c.SenderFullname
	switch {
	case c.Sender == s.userID:
		c.ConversationWith = c.Recipient
		c.ConversationWithFullname = c.RecipientFullname
		if c.Has(chatmodel.FieldLastMessageText) {
			c.LastMessageText = s.labels.YouPrefix + c.LastMessageText
		}
	case c.ChannelType == chatmodel.ChannelGroup:
		c.ConversationWith = c.Recipient
		c.ConversationWithFullname = c.RecipientFullname
	}

	c.Selected = c.UID != "" && c.UID == s.selected
	c.Status = s.statusFor(c.Sender, c.UID)
	c.Mark(chatmodel.FieldStatus)
	c.TimeLastMessage = s.relativeTime(c.Timestamp)
	c.Avatar = chatmodel.AvatarPlaceholder(c.ConversationWithFullname)
	c.Color = chatmodel.BackgroundColor(c.ConversationWithFullname)
	c.Image = chatmodel.ThumbImageURL(s.opts.ImageBaseURL, s.opts.ImageBucket, c.ConversationWith)
	return c
}

func (s *Synchronizer) statusFor(sender, uid string) chatmodel.ConversationStatus {
	if sender == s.userID || (uid != "" && uid == s.selected) {
		return chatmodel.ConversationRead
	}
	return chatmodel.ConversationUnread
}

func (s *Synchronizer) relativeTime(ts int64) string {
	if ts <= 0 {
		return ""
	}
	return humanize.RelTime(time.UnixMilli(ts), s.sched.Now(), "ago", "from now")
}

// validate reports the first required attribute that is null or missing.
// Empty strings, 0 and false are accepted.
func validate(c chatmodel.Conversation) error {
	for _, f := range chatmodel.RequiredFields {
		if !c.Has(f.Field) {
			return errors.Wrapf(chatmodel.ErrInvalidConversation, "%s is missing", f.Name)
		}
	}
	return nil
}
