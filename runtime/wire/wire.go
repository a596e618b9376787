// Package wire defines the canonical event shape the client runtime consumes
// and the normalizer that produces it from raw inbound payloads. Engine
// deployments and intermediate relays emit events in several shapes: flat
// objects, envelopes with a nested data sub-object, and double-encoded
// envelopes whose content field is itself an encoded event. The normalizer
// reconciles all of them into one tagged Event so downstream logic (cursor,
// dispatcher, reducers) never touches a raw payload.
//
// Canonical tags are lowercase and dot-namespaced (the historical
// resume_boundary marker excepted). Non-lowercase tags are rejected, not
// normalized, to force upstream correctness. Unrecognized lowercase tags are
// preserved as KindUnknown passthroughs so the dispatcher can log them without
// crashing.
package wire

import "fmt"

type (
	// Kind tags a canonical event with its dispatch route. All routing decisions
	// key off Kind; RawType is retained only for diagnostics.
	Kind string

	// DisplayMode selects the rendering surface for a tool event: inline widget
	// in the chat stream, or replacement of the side artifact panel.
	DisplayMode string

	// Flags carries the agent capability hints promoted from the envelope.
	Flags struct {
		// IsVisual marks events from agents that render visual output.
		IsVisual bool
		// IsStructuredCapable marks agents that can emit structured output.
		IsStructuredCapable bool
		// IsToolAgent marks agents whose replies drive tool invocations.
		IsToolAgent bool
	}

	// Event is the single normalized shape all downstream logic consumes.
	// Fields are promoted from whichever envelope layer carried them; Payload
	// retains the fully merged field map for handlers that need fields the
	// canonical shape does not model (session metadata, tool arguments).
	Event struct {
		// Kind is the canonical dispatch tag, KindUnknown for passthroughs.
		Kind Kind
		// RawType is the inbound type tag exactly as received.
		RawType string
		// Agent names the emitting agent, empty when the event is not
		// agent-scoped.
		Agent string
		// Content is the plain-text body for text-bearing kinds. Object
		// content that exposes a content, text, or message sub-field is
		// coerced; otherwise Content is empty and the object remains in
		// Payload.
		Content string
		// Flags carries promoted capability hints.
		Flags Flags
		// ToolID identifies the tool for tool-family kinds.
		ToolID string
		// EventID is the server-issued event identifier, empty for events the
		// server never acknowledged (e.g. locally restored artifacts).
		EventID string
		// DisplayMode is the resolved rendering surface, DisplayInline when
		// the envelope carried no display hint.
		DisplayMode DisplayMode
		// StructuredOutput is the structured payload emitted alongside text,
		// nil when absent.
		StructuredOutput map[string]any
		// Sequence is the envelope ordering number, nil for kinds that do not
		// carry one.
		Sequence *int64
		// Payload is the merged top-level field map after unwrapping and
		// promotion.
		Payload map[string]any
	}
)

// Canonical event kinds.
const (
	// KindSessionMetadata is the handshake reporting session identity and
	// whether the session pre-existed server-side.
	KindSessionMetadata Kind = "session.metadata"
	// KindPrint streams a partial text chunk from an agent.
	KindPrint Kind = "chat.print"
	// KindText carries an agent's finalized text for the current turn.
	KindText Kind = "chat.text"
	// KindInputRequest asks the user for input, correlated by input request id.
	KindInputRequest Kind = "input.request"
	// KindInputAck confirms receipt of a submitted user input.
	KindInputAck Kind = "input.ack"
	// KindToolCall instructs the client to mount an interactive tool.
	KindToolCall Kind = "tool.call"
	// KindToolResponse reports a durable answer for an earlier tool call.
	KindToolResponse Kind = "tool.response"
	// KindToolProgress updates a mounted tool without replacing it.
	KindToolProgress Kind = "tool.progress"
	// KindUsageSummary reports token accounting for the session so far.
	KindUsageSummary Kind = "usage.summary"
	// KindSpeakerChange marks a turn boundary: a new agent takes the floor.
	KindSpeakerChange Kind = "speaker.change"
	// KindTokenWarning warns that the session approaches its token budget.
	KindTokenWarning Kind = "token.warning"
	// KindTokenExhausted reports the token budget is spent.
	KindTokenExhausted Kind = "token.exhausted"
	// KindRunComplete marks the end of a workflow run.
	KindRunComplete Kind = "run.complete"
	// KindError carries a non-fatal engine-side error message.
	KindError Kind = "error"
	// KindResumeBoundary ends a replay window opened by a resume request.
	KindResumeBoundary Kind = "resume_boundary"
	// KindUnknown tags structurally well-formed events whose type the client
	// does not recognize.
	KindUnknown Kind = "unknown"
)

// Display modes.
const (
	// DisplayInline renders the tool as a widget inside the chat stream.
	DisplayInline DisplayMode = "inline"
	// DisplayArtifact replaces the side artifact panel.
	DisplayArtifact DisplayMode = "artifact"
)

// kinds indexes the canonical tags.
var kinds = map[string]Kind{
	string(KindSessionMetadata): KindSessionMetadata,
	string(KindPrint):           KindPrint,
	string(KindText):            KindText,
	string(KindInputRequest):    KindInputRequest,
	string(KindInputAck):        KindInputAck,
	string(KindToolCall):        KindToolCall,
	string(KindToolResponse):    KindToolResponse,
	string(KindToolProgress):    KindToolProgress,
	string(KindUsageSummary):    KindUsageSummary,
	string(KindSpeakerChange):   KindSpeakerChange,
	string(KindTokenWarning):    KindTokenWarning,
	string(KindTokenExhausted):  KindTokenExhausted,
	string(KindRunComplete):     KindRunComplete,
	string(KindError):           KindError,
	string(KindResumeBoundary):  KindResumeBoundary,
}

// aliases maps legacy lowercase tags still emitted by older engine builds onto
// their canonical kinds.
var aliases = map[string]Kind{
	"print":            KindPrint,
	"text":             KindText,
	"message":          KindText,
	"session_metadata": KindSessionMetadata,
	"input_request":    KindInputRequest,
	"input_ack":        KindInputAck,
	"tool_call":        KindToolCall,
	"tool_result":      KindToolResponse,
	"tool_progress":    KindToolProgress,
	"usage":            KindUsageSummary,
	"speaker_change":   KindSpeakerChange,
	"token_warning":    KindTokenWarning,
	"token_exhausted":  KindTokenExhausted,
	"run_complete":     KindRunComplete,
	"complete":         KindRunComplete,
}

// KindFor resolves a lowercase type tag to its canonical kind. The second
// return reports whether the tag is recognized (canonical or legacy alias).
func KindFor(tag string) (Kind, bool) {
	if k, ok := kinds[tag]; ok {
		return k, true
	}
	if k, ok := aliases[tag]; ok {
		return k, true
	}
	return KindUnknown, false
}

// String returns the canonical tag.
func (k Kind) String() string { return string(k) }

// IsText reports whether the kind belongs to the partial/final text family.
func (k Kind) IsText() bool { return k == KindPrint || k == KindText }

// Seq returns the sequence number and whether the event carries one.
func (e *Event) Seq() (int64, bool) {
	if e.Sequence == nil {
		return 0, false
	}
	return *e.Sequence, true
}

// StringField returns the named Payload field when it is a non-empty string.
func (e *Event) StringField(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// BoolField returns the named Payload field and whether it was a real boolean.
func (e *Event) BoolField(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	b, ok := e.Payload[key].(bool)
	return b, ok
}

// IntField returns the named Payload field coerced from the JSON number
// representation, with ok reporting presence.
func (e *Event) IntField(key string) (int64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// MapField returns the named Payload field when it is an object.
func (e *Event) MapField(key string) map[string]any {
	if e.Payload == nil {
		return nil
	}
	m, _ := e.Payload[key].(map[string]any)
	return m
}

// String implements fmt.Stringer for log lines.
func (e *Event) String() string {
	if e.Sequence != nil {
		return fmt.Sprintf("%s(seq=%d)", e.Kind, *e.Sequence)
	}
	return string(e.Kind)
}
