package messages

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/schedule"
)

type replayState int

const (
	replayIdle replayState = iota
	replayEmittingMessage
	replayWaiting
	replayDone
)

func (st replayState) String() string {
	switch st {
	case replayIdle:
		return "idle"
	case replayEmittingMessage:
		return "emitting_message"
	case replayWaiting:
		return "waiting"
	case replayDone:
		return "done"
	}
	return "unknown"
}

// replay plays the commands of one command message as sub-messages separated
// by waits. It runs under the synchronizer's lock; wait timers re-enter
// through resume.
type replay struct {
	s        *Synchronizer
	parent   chatmodel.Message
	commands []chatmodel.ScriptedCommand
	live     bool

	state  replayState
	active bool
	next   int
	prevTS int64
	timer  schedule.Timer
}

// startReplayLocked records the parent for status correlation and runs the
// script until its first non-zero wait.
func (s *Synchronizer) startReplayLocked(parent chatmodel.Message, cmds []chatmodel.ScriptedCommand) {
	if chatmodel.IsBlank(parent.SenderFullname) {
		parent.SenderFullname = parent.Sender
	}
	parent.IsSender = parent.Sender == s.opts.UserID
	s.mirror(parent)

	r := &replay{
		s:        s,
		parent:   parent,
		commands: cmds,
		live:     parent.Timestamp > s.start,
		active:   true,
		prevTS:   parent.Timestamp,
	}
	s.replays[r] = struct{}{}
	s.logger.Debug().
		Str("parent_uid", parent.UID).
		Int("commands", len(cmds)).
		Bool("live", r.live).
		Msg("starting scripted replay")
	r.run()
}

// run advances the state machine until it waits on a timer, finishes or is
// cancelled.
func (r *replay) run() {
	for r.active {
		if r.next >= len(r.commands) {
			r.finish()
			return
		}
		i := r.next
		r.next++
		cmd := &r.commands[i]
		switch cmd.Type {
		case chatmodel.CommandMessage:
			r.state = replayEmittingMessage
			r.emit(i)
		case chatmodel.CommandWait:
			r.state = replayWaiting
			d := r.waitFor(cmd)
			r.s.opts.Metrics.ReplayStep(chatmodel.CommandWait)
			if r.live {
				r.s.typing.Publish(TypingEvent{
					ConversationUID: r.s.opts.ConversationWith,
					TyperID:         r.parent.Sender,
					TyperFullname:   r.parent.SenderFullname,
					Wait:            d,
				})
			}
			if d > 0 {
				r.timer = r.s.sched.AfterFunc(d, r.resume)
				return
			}
		default:
			r.s.logger.Warn().Str("parent_uid", r.parent.UID).Str("type", cmd.Type).Msg("unknown scripted command skipped")
		}
	}
}

func (r *replay) resume() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.timer = nil
	if !r.active {
		return
	}
	r.run()
}

func (r *replay) finish() {
	r.state = replayDone
	r.active = false
	delete(r.s.replays, r)
	r.s.logger.Debug().Str("parent_uid", r.parent.UID).Msg("scripted replay done")
}

func (r *replay) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.active {
		r.s.logger.Debug().Str("parent_uid", r.parent.UID).Str("state", r.state.String()).Msg("scripted replay cancelled")
	}
	r.active = false
	r.state = replayDone
}

// waitFor returns the duration of a wait step, defaulting a missing time.
func (r *replay) waitFor(cmd *chatmodel.ScriptedCommand) time.Duration {
	if cmd.Time == nil {
		ms := r.s.opts.DefaultWait.Milliseconds()
		cmd.Time = &ms
	}
	if *cmd.Time <= 0 {
		return 0
	}
	return time.Duration(*cmd.Time) * time.Millisecond
}

// emit materializes the message step at index i and feeds it back through
// the added path.
func (r *replay) emit(i int) {
	cmd := r.commands[i]
	if cmd.Message == nil {
		r.s.logger.Warn().Str("parent_uid", r.parent.UID).Int("index", i).Msg("message step without message skipped")
		return
	}
	r.s.opts.Metrics.ReplayStep(chatmodel.CommandMessage)

	// Messages at index 0 and 1 take the parent's timestamp.
	ts := r.parent.Timestamp
	if i >= 2 {
		var wait int64
		if r.commands[i-1].Type == chatmodel.CommandWait {
			prev := &r.commands[i-1]
			if prev.Time == nil {
				ms := r.s.opts.DefaultWait.Milliseconds()
				prev.Time = &ms
			}
			wait = *prev.Time
		}
		ts = r.prevTS + wait
		if !r.live {
			ts = r.prevTS + r.s.opts.BackfillStep.Milliseconds()
		}
	}
	if !r.live && i+1 < len(r.commands) && r.commands[i+1].Type == chatmodel.CommandWait {
		zero := int64(0)
		r.commands[i+1].Time = &zero
	}
	r.prevTS = ts

	sub := cmd.Message.Clone()
	sub.UID = uuid.NewString()
	sub.MessageID = sub.UID
	sub.Text = strings.TrimSpace(sub.Text)
	sub.Timestamp = ts
	sub.Language = r.parent.Language
	sub.Recipient = r.parent.Recipient
	sub.RecipientFullname = r.parent.RecipientFullname
	sub.Sender = r.parent.Sender
	sub.SenderFullname = r.parent.SenderFullname
	sub.ChannelType = r.parent.ChannelType
	sub.Status = r.parent.Status
	sub.IsSender = r.parent.IsSender
	if sub.Type == "" {
		sub.Type = chatmodel.MessageTypeText
	}
	if sub.Attributes == nil {
		sub.Attributes = map[string]any{}
	}
	sub.Attributes[chatmodel.AttrCommands] = true
	sub.Attributes[chatmodel.AttrParentUID] = r.parent.UID
	r.s.addLocked(sub)
}
