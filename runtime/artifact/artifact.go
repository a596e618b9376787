// Package artifact holds the side-panel artifact model and the continuity
// cache that lets an artifact survive panel close/reopen and process restarts.
// One snapshot is live per session at most; artifact-mode tool events replace
// it, they never append.
package artifact

import (
	"time"

	"github.com/loomline/loomline/runtime/wire"
)

type (
	// Snapshot is the persistable state of the artifact panel: everything
	// needed to re-mount the tool surface except the respond capability, which
	// is connection-bound and deliberately not serialized.
	Snapshot struct {
		// ToolID identifies the tool that produced the artifact.
		ToolID string `json:"tool_id"`
		// EventID is the server-issued id of the producing event. Empty on
		// snapshots restored from the local store: responses to restored
		// artifacts resolve client-side only.
		EventID string `json:"event_id,omitempty"`
		// WorkflowName scopes tool resolution for the artifact.
		WorkflowName string `json:"workflow_name"`
		// Payload is the tool payload as received.
		Payload map[string]any `json:"payload,omitempty"`
		// DisplayMode records the surface the snapshot was produced for.
		DisplayMode wire.DisplayMode `json:"display_mode"`
		// Timestamp is when the client observed the producing event.
		Timestamp time.Time `json:"timestamp"`
	}
)

// NewSnapshot builds a snapshot from an artifact-mode tool event.
func NewSnapshot(ev *wire.Event, workflowName string, now time.Time) *Snapshot {
	var payload map[string]any
	if p := ev.MapField("payload"); p != nil {
		payload = p
	} else if ev.StructuredOutput != nil {
		payload = ev.StructuredOutput
	}
	return &Snapshot{
		ToolID:       ev.ToolID,
		EventID:      ev.EventID,
		WorkflowName: workflowName,
		Payload:      payload,
		DisplayMode:  ev.DisplayMode,
		Timestamp:    now.UTC(),
	}
}

// Clone returns a deep-enough copy: the payload map is copied one level so
// store implementations and observers cannot alias the live snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Payload != nil {
		out.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			out.Payload[k] = v
		}
	}
	return &out
}
