package session

import "github.com/vango-go/vai-speech/pkg/core/responder"

// historyManager keeps the session's recent exchanges for the responder. Only
// what the user actually heard is recorded for the assistant: an interrupted
// reply keeps the text generated before the barge-in.
type historyManager struct {
	maxTurns int
	messages []responder.Message
}

func newHistoryManager(maxTurns int) *historyManager {
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &historyManager{
		maxTurns: maxTurns,
		messages: make([]responder.Message, 0, 16),
	}
}

func (h *historyManager) appendExchange(user, assistant string, interrupted bool) {
	if h.maxTurns == 0 || user == "" {
		return
	}
	h.messages = append(h.messages, responder.Message{Role: responder.RoleUser, Text: user})
	if assistant != "" || interrupted {
		h.messages = append(h.messages, responder.Message{
			Role:        responder.RoleAssistant,
			Text:        assistant,
			Interrupted: interrupted,
		})
	}
	h.trim()
}

// trim drops whole exchanges from the front until at most maxTurns user
// messages remain.
func (h *historyManager) trim() {
	users := 0
	for _, m := range h.messages {
		if m.Role == responder.RoleUser {
			users++
		}
	}
	for users > h.maxTurns && len(h.messages) > 0 {
		h.messages = h.messages[1:]
		for len(h.messages) > 0 && h.messages[0].Role != responder.RoleUser {
			h.messages = h.messages[1:]
		}
		users--
	}
}

func (h *historyManager) snapshot() []responder.Message {
	out := make([]responder.Message, len(h.messages))
	copy(out, h.messages)
	return out
}
