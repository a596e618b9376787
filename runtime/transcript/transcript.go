// Package transcript holds the ordered message log for one conversation and
// the streaming reducer that folds partial-text events into a single growing
// message per agent until a terminal event closes it.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Sender classifies who produced a message.
	Sender string

	// Message is one rendered entry in the conversation.
	//
	// The log is append-only except for the single currently-open streaming
	// message, which is mutated in place until closed. All accessors return
	// copies; the log is the only writer.
	Message struct {
		ID        string
		Sender    Sender
		AgentName string
		Content   string
		// Streaming marks the one message still accumulating partial text.
		Streaming bool
		Metadata  map[string]any
		CreatedAt time.Time
	}

	// Log is the conversation transcript. Safe for concurrent use: dispatch
	// writes from the inbound goroutine while renderers read snapshots.
	Log struct {
		mu       sync.Mutex
		messages []*Message
		open     *Message
		lastUser string
	}
)

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// NewLog returns an empty transcript.
func NewLog() *Log {
	return &Log{}
}

// Append adds a complete, non-streaming message and returns a copy of it.
func (l *Log) Append(sender Sender, agentName, content string, metadata map[string]any) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(sender, agentName, content, metadata).snapshot()
}

// AppendUser adds the local user's message and remembers its content as the
// echo-suppression baseline.
func (l *Log) AppendUser(content string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUser = content
	return l.append(SenderUser, "", content, nil).snapshot()
}

// AppendSystem adds a system notice.
func (l *Log) AppendSystem(content string, metadata map[string]any) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(SenderSystem, "", content, metadata).snapshot()
}

// ApplyPartial folds one partial-text chunk into the open streaming slot for
// the agent, opening a new slot when none is open for that agent. A slot
// belonging to a different agent is closed first: a non-matching stream start
// is a turn handoff. The second return reports whether a new message was
// appended rather than an existing one grown.
func (l *Log) ApplyPartial(agentName, chunk string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open != nil && l.open.AgentName == agentName {
		l.open.Content += chunk
		return l.open.snapshot(), false
	}
	l.closeOpen()
	msg := l.append(SenderAgent, agentName, chunk, nil)
	msg.Streaming = true
	l.open = msg
	return msg.snapshot(), true
}

// CloseOn applies a terminal text event. When the agent's slot is open it is
// reconciled with the final content and closed; with no open slot for the
// agent the final content is appended as a complete message. The second
// return reports whether a new message was appended.
//
// Reconciliation: the final content wins when it already incorporates the
// accumulated text (equal, or extends it as a prefix); the accumulated text
// wins when it already ends with the final content (terminal event resent its
// last delta); otherwise the final content is one further delta and is
// appended to the accumulated text.
func (l *Log) CloseOn(agentName, final string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil || l.open.AgentName != agentName {
		l.closeOpen()
		return l.append(SenderAgent, agentName, final, nil).snapshot(), true
	}

	msg := l.open
	acc := msg.Content
	switch {
	case acc == "" || acc == final:
		msg.Content = final
	case strings.HasPrefix(final, acc):
		msg.Content = final
	case strings.HasSuffix(acc, final):
		// keep the accumulated text
	default:
		msg.Content = acc + final
	}
	msg.Streaming = false
	l.open = nil
	return msg.snapshot(), false
}

// CloseOpen closes any open streaming slot without altering its content. The
// second return reports whether a slot was open; the Message is valid only
// when it is true.
func (l *Log) CloseOpen() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil {
		return Message{}, false
	}
	msg := l.open
	l.closeOpen()
	return msg.snapshot(), true
}

// Amend mutates the message with the given id under the log's lock and
// returns a copy of the result. The callback must not retain the pointer.
func (l *Log) Amend(id string, fn func(*Message)) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, msg := range l.messages {
		if msg.ID == id {
			fn(msg)
			return msg.snapshot(), true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the transcript in order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.messages))
	for i, msg := range l.messages {
		out[i] = msg.snapshot()
	}
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// LastUserMessage returns the content of the most recent user message, the
// baseline for echo suppression.
func (l *Log) LastUserMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUser
}

// Clear empties the transcript, including the open slot and the echo
// baseline.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.open = nil
	l.lastUser = ""
}

// append adds a message. Callers hold the lock.
func (l *Log) append(sender Sender, agentName, content string, metadata map[string]any) *Message {
	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		AgentName: agentName,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	l.messages = append(l.messages, msg)
	return msg
}

// closeOpen clears the streaming flag on the open slot. Callers hold the lock.
func (l *Log) closeOpen() {
	if l.open != nil {
		l.open.Streaming = false
		l.open = nil
	}
}

func (m *Message) snapshot() Message {
	out := *m
	if len(m.Metadata) > 0 {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		out.Metadata = md
	}
	return out
}
