package conversation

import "strings"

// Template turns a turn log into the flat prompt text a pipeline consumes.
// The default is a chat-ml style layout; per-model templates override the
// markers.
type Template struct {
	SystemPrefix    string
	RolePrefixes    map[Role]string
	TurnSuffix      string
	AssistantPrompt string
}

// DefaultTemplate is used when a model record does not name its own.
func DefaultTemplate() Template {
	return Template{
		SystemPrefix: "<|system|>\n",
		RolePrefixes: map[Role]string{
			RoleUser:      "<|user|>\n",
			RoleAssistant: "<|assistant|>\n",
			RoleTool:      "<|tool|>\n",
		},
		TurnSuffix:      "\n",
		AssistantPrompt: "<|assistant|>\n",
	}
}

// Render formats the whole conversation, ending with the assistant prompt so
// the model continues as the assistant.
func (t Template) Render(c *Conversation) string {
	var b strings.Builder
	if c.System != "" {
		b.WriteString(t.SystemPrefix)
		b.WriteString(c.System)
		b.WriteString(t.TurnSuffix)
	}
	for _, turn := range c.Turns {
		b.WriteString(t.RenderTurn(turn))
	}
	b.WriteString(t.AssistantPrompt)
	return b.String()
}

// RenderTurn formats a single turn. Used for append-only prefill when the
// retained history already covers the preceding turns.
func (t Template) RenderTurn(turn Turn) string {
	var b strings.Builder
	prefix, ok := t.RolePrefixes[turn.Role]
	if !ok {
		prefix = "<|" + string(turn.Role) + "|>\n"
	}
	b.WriteString(prefix)
	if turn.Name != "" {
		b.WriteString(turn.Name)
		b.WriteString(": ")
	}
	b.WriteString(turn.Text())
	b.WriteString(t.TurnSuffix)
	return b.String()
}
