// Package conversation models the ordered, role-tagged message log that a
// pipeline consumes, and the equality check governing decode-state reuse.
package conversation

import (
	"fmt"

	"llmd/pkg/types"
)

// Role tags one turn of a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is one element of a turn's content.
type Part struct {
	Type     string
	Text     string
	ImageURL string
}

// Turn is one message of the log.
type Turn struct {
	Role  Role
	Name  string
	Parts []Part
}

// Text flattens the turn's parts into the text the template renders. Image
// references render as placeholders; pixel data never reaches the template.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Parts {
		switch p.Type {
		case "image_url":
			out += "<image>"
		default:
			out += p.Text
		}
	}
	return out
}

// Conversation is the ordered turn log plus formatting inputs.
type Conversation struct {
	System             string
	Turns              []Turn
	UseFunctionCalling bool
}

// Append adds a turn at the end of the log.
func (c *Conversation) Append(t Turn) { c.Turns = append(c.Turns, t) }

// Clone returns a deep copy; the retained conversation of a pipeline is
// replaced wholesale, never aliased with a request's conversation.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{System: c.System, UseFunctionCalling: c.UseFunctionCalling}
	out.Turns = make([]Turn, len(c.Turns))
	for i, t := range c.Turns {
		nt := Turn{Role: t.Role, Name: t.Name}
		nt.Parts = append([]Part(nil), t.Parts...)
		out.Turns[i] = nt
	}
	return out
}

// Equal reports state-equivalence: every positional field of every turn must
// match. This, not object identity, decides whether accumulated decode state
// can be reused.
func (c *Conversation) Equal(o *Conversation) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.System != o.System || c.UseFunctionCalling != o.UseFunctionCalling {
		return false
	}
	if len(c.Turns) != len(o.Turns) {
		return false
	}
	for i := range c.Turns {
		a, b := c.Turns[i], o.Turns[i]
		if a.Role != b.Role || a.Name != b.Name || len(a.Parts) != len(b.Parts) {
			return false
		}
		for j := range a.Parts {
			if a.Parts[j] != b.Parts[j] {
				return false
			}
		}
	}
	return true
}

// FromMessages builds a conversation from wire messages. A leading system
// message becomes the system override; a system message anywhere else is
// rejected.
func FromMessages(msgs []types.ChatMessage) (*Conversation, error) {
	conv := &Conversation{}
	for i, m := range msgs {
		if m.Role == string(RoleSystem) {
			if i != 0 {
				return nil, fmt.Errorf("system message only allowed as the first message")
			}
			conv.System = m.Content.Text
			continue
		}
		t, err := turnFromMessage(m)
		if err != nil {
			return nil, err
		}
		conv.Append(t)
	}
	return conv, nil
}

func turnFromMessage(m types.ChatMessage) (Turn, error) {
	switch Role(m.Role) {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return Turn{}, fmt.Errorf("unsupported role: %q", m.Role)
	}
	t := Turn{Role: Role(m.Role), Name: m.Name}
	if m.Content.IsParts() {
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "text":
				t.Parts = append(t.Parts, Part{Type: "text", Text: p.Text})
			case "image_url":
				t.Parts = append(t.Parts, Part{Type: "image_url", ImageURL: p.ImageURL})
			default:
				return Turn{}, fmt.Errorf("unsupported content part type: %q", p.Type)
			}
		}
	} else {
		t.Parts = []Part{{Type: "text", Text: m.Content.Text}}
	}
	return t, nil
}
