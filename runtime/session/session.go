// Package session defines the identity of one conversation attachment and the
// small pieces of per-session state that are not messages or artifacts: the
// server-side pre-existence tristate and the accumulated token usage.
package session

type (
	// Presence records whether the server-side session pre-existed this
	// attachment. It starts Unknown and is settled by the bootstrap response
	// or the session-metadata handshake, whichever arrives first.
	//
	// Artifact restoration requires PresenceExisted: restoring cached
	// interactive state into a freshly created session would resurrect
	// widgets the server never issued.
	Presence string

	// Session identifies one conversation attachment.
	Session struct {
		// ID is the chat identifier, assigned by the engine at bootstrap.
		// It keys all durable continuity state.
		ID string
		// EnterpriseID scopes the workflow catalogue.
		EnterpriseID string
		// WorkflowName names the workflow driving the conversation.
		WorkflowName string
		// UserID identifies the human participant.
		UserID string
		// Existed is the pre-existence tristate.
		Existed Presence
	}

	// Usage accumulates token counts reported by usage-summary events.
	Usage struct {
		InputTokens  int64
		OutputTokens int64
		TotalTokens  int64
	}
)

const (
	// PresenceUnknown means no authority has reported yet.
	PresenceUnknown Presence = "unknown"
	// PresenceFresh means the session was created by this attachment.
	PresenceFresh Presence = "fresh"
	// PresenceExisted means the session pre-existed this attachment.
	PresenceExisted Presence = "existed"
)

// Known reports whether pre-existence has been settled either way.
func (p Presence) Known() bool { return p == PresenceFresh || p == PresenceExisted }

// Confirmed reports whether the session is confirmed pre-existing.
func (p Presence) Confirmed() bool { return p == PresenceExisted }

// Accumulate adds one usage report. A zero total is derived from the input and
// output counts; some engines omit it.
func (u *Usage) Accumulate(input, output, total int64) {
	u.InputTokens += input
	u.OutputTokens += output
	if total == 0 {
		total = input + output
	}
	u.TotalTokens += total
}
