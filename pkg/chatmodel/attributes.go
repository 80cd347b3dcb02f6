package chatmodel

import (
	"encoding/json"
	"slices"
)

const (
	AttrSubtype      = "subtype"
	AttrMessageLabel = "messagelabel"
	AttrCommands     = "commands"
	AttrParentUID    = "parentUid"
	AttrLang         = "lang"
)

// Info label keys emitted by the chat server.
const (
	MemberJoinedGroup = "MEMBER_JOINED_GROUP"
	ChatReopened      = "CHAT_REOPENED"
	ChatClosed        = "CHAT_CLOSED"
)

// IsInfo reports whether m is a system generated info message.
func (m Message) IsInfo() bool {
	if m.Type == MessageTypeInfo {
		return true
	}
	sub, _ := m.Attributes[AttrSubtype].(string)
	return sub == "info" || sub == "info/support"
}

// InfoLabelKey returns attributes.messagelabel.key, or "".
func (m Message) InfoLabelKey() string {
	switch label := m.Attributes[AttrMessageLabel].(type) {
	case map[string]any:
		key, _ := label["key"].(string)
		return key
	case map[string]string:
		return label["key"]
	}
	return ""
}

// HiddenInfo reports whether an info message must be dropped because its label
// key is not among the visible ones.
func (m Message) HiddenInfo(visibleKeys []string) bool {
	key := m.InfoLabelKey()
	if key == "" {
		return true
	}
	return !slices.Contains(visibleKeys, key)
}

// Commands returns the scripted commands carried by m, or nil when m is not a
// command message. Replayed sub-messages carry commands=true and are not
// command messages.
func (m Message) Commands() []ScriptedCommand {
	raw, ok := m.Attributes[AttrCommands]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case bool, string:
		return nil
	case []ScriptedCommand:
		if len(v) == 0 {
			return nil
		}
		return cloneCommands(v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var cmds []ScriptedCommand
	if err := json.Unmarshal(b, &cmds); err != nil || len(cmds) == 0 {
		return nil
	}
	return cmds
}

func cloneCommands(in []ScriptedCommand) []ScriptedCommand {
	out := make([]ScriptedCommand, len(in))
	for i, c := range in {
		out[i] = ScriptedCommand{Type: c.Type}
		if c.Message != nil {
			msg := c.Message.Clone()
			out[i].Message = &msg
		}
		if c.Time != nil {
			t := *c.Time
			out[i].Time = &t
		}
	}
	return out
}

// ParentUID returns the uid of the command message a replayed sub-message was
// materialized from.
func (m Message) ParentUID() string {
	uid, _ := m.Attributes[AttrParentUID].(string)
	return uid
}
