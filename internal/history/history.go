// Package history maintains the append-only conversation transcript shared
// between the aggregation stages. The system prompt occupies index 0 and
// user/assistant messages strictly alternate after it; a cancelled turn never
// reaches the history, so interruption leaves no trace here.
package history

import (
	"sync"

	"github.com/voxloop/voxloop/pkg/types"
)

// History is a thread-safe, append-only message log.
type History struct {
	mu       sync.Mutex
	messages []types.Message
}

// New creates a History seeded with the given system prompt.
func New(systemPrompt string) *History {
	return &History{
		messages: []types.Message{{Role: types.RoleSystem, Content: systemPrompt}},
	}
}

// NewWithContext creates a History seeded with the system prompt followed by
// additional system-role context messages, such as a resume analysis. Empty
// strings are skipped.
func NewWithContext(systemPrompt string, context ...string) *History {
	h := New(systemPrompt)
	for _, c := range context {
		if c == "" {
			continue
		}
		h.messages = append(h.messages, types.Message{Role: types.RoleSystem, Content: c})
	}
	return h
}

// AppendUser appends a user message.
func (h *History) AppendUser(content string) {
	h.append(types.Message{Role: types.RoleUser, Content: content})
}

// AppendAssistant appends an assistant message.
func (h *History) AppendAssistant(content string) {
	h.append(types.Message{Role: types.RoleAssistant, Content: content})
}

func (h *History) append(m types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

// Snapshot returns a copy of the current messages. The copy is safe to hand
// to a generation request while later turns keep appending.
func (h *History) Snapshot() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages including the system prompt.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Last returns the most recent message and true, or a zero message and false
// when only the system prompt is present.
func (h *History) Last() (types.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) <= 1 {
		return types.Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}
