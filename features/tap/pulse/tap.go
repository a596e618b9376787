// Package pulse exposes a client.EventTap implementation that republishes
// accepted canonical events to goa.design/pulse streams. It mirrors the
// layering used by existing Pulse deployments: programs build a Redis client,
// pass it to the Pulse client, and hand the resulting tap to the chat client.
//
// The tap is write-only. Publish failures surface as errors for the caller to
// log and count; they never block or reorder dispatch.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/loomline/loomline/features/tap/pulse/clients/pulse"
	"github.com/loomline/loomline/runtime/client"
	"github.com/loomline/loomline/runtime/wire"
)

type (
	// Options configures the Pulse tap.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// Session scopes the default stream. Required unless StreamID is set.
		Session string
		// StreamID derives the target Pulse stream from an event. Defaults
		// to `session/<Session>`.
		StreamID func(*wire.Event) (string, error)
		// MarshalEnvelope allows overriding the envelope serialization
		// (primarily for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished, when set, runs after each successful append with the
		// stream and entry id Redis assigned. Its error becomes the Publish
		// error.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// Tap publishes canonical events into Pulse streams. It delegates
	// serialization to the configured envelope marshaler. Thread-safe for
	// concurrent Publish operations.
	Tap struct {
		client  clientspulse.Client
		session string
		opts    tapOptions
	}

	// tapOptions holds internal configuration derived from Options.
	tapOptions struct {
		streamID        func(*wire.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes one successfully appended stream entry.
	PublishedEvent struct {
		// Event is the canonical event that was published.
		Event *wire.Event
		// StreamID is the Pulse stream the entry landed on.
		StreamID string
		// EntryID is the id Redis assigned to the entry.
		EntryID string
	}

	// envelope wraps canonical events for transmission over Pulse streams.
	envelope struct {
		// Kind is the canonical dispatch tag.
		Kind string `json:"kind"`
		// Agent names the emitting agent, when the event is agent-scoped.
		Agent string `json:"agent,omitempty"`
		// EventID is the server-issued event identifier, when present.
		EventID string `json:"event_id,omitempty"`
		// Sequence is the envelope ordering number, when the kind carries one.
		Sequence *int64 `json:"sequence,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Content is the plain-text body for text-bearing kinds.
		Content string `json:"content,omitempty"`
		// Payload is the merged field map as normalized.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

var _ client.EventTap = (*Tap)(nil)

// NewTap constructs a Pulse-backed event tap. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations if not provided.
func NewTap(opts Options) (*Tap, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamID == nil && opts.Session == "" {
		return nil, errors.New("session is required without a custom stream id")
	}
	cfg := tapOptions{
		streamID:        sessionStreamID(opts.Session),
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Tap{
		client:  opts.Client,
		session: opts.Session,
		opts:    cfg,
	}, nil
}

// Publish appends the event to the derived Pulse stream. It derives the
// stream ID, wraps the event in an envelope, marshals it to JSON, and appends
// it via the Pulse client. Thread-safe for concurrent calls.
func (t *Tap) Publish(ctx context.Context, ev *wire.Event) error {
	streamID, err := t.opts.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := t.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Kind:      string(ev.Kind),
		Agent:     ev.Agent,
		EventID:   ev.EventID,
		Sequence:  ev.Sequence,
		Timestamp: time.Now().UTC(),
		Content:   ev.Content,
		Payload:   ev.Payload,
	}
	payload, err := t.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Kind, payload)
	if err != nil {
		return err
	}
	if t.opts.onPublished != nil {
		return t.opts.onPublished(ctx, PublishedEvent{
			Event:    ev,
			StreamID: streamID,
			EntryID:  entryID,
		})
	}
	return nil
}

// Destroy deletes the session's default stream and all its entries. Session
// reset calls this so stale observers do not replay a destroyed conversation.
// Streams routed through a custom StreamID hook are the caller's to manage.
func (t *Tap) Destroy(ctx context.Context) error {
	if t.session == "" {
		return errors.New("no session stream configured")
	}
	handle, err := t.client.Stream(SessionStream(t.session))
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}

// SessionStream is the default stream name for a session's events. Callers
// routing through a custom StreamID hook can reuse it to stay compatible with
// observers of the default layout.
func SessionStream(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}

// Close releases resources owned by the tap. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (t *Tap) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}

// sessionStreamID builds the default stream derivation for one session.
func sessionStreamID(session string) func(*wire.Event) (string, error) {
	return func(*wire.Event) (string, error) {
		return SessionStream(session), nil
	}
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
