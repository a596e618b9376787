package hooks

import (
	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/session"
	"github.com/loomline/loomline/runtime/toolkit"
	"github.com/loomline/loomline/runtime/transcript"
	"github.com/loomline/loomline/runtime/transport"
)

type (
	// NoticeKind tags one observer-facing state change.
	NoticeKind string

	// Notice is the interface all bus notices implement. Subscribers use a
	// type switch to reach the payload:
	//
	//	bus.Subscribe(func(n hooks.Notice) {
	//	    switch v := n.(type) {
	//	    case *hooks.MessageAppended:
	//	        render(v.Message)
	//	    case *hooks.StatusChanged:
	//	        setIndicator(v.State)
	//	    }
	//	})
	Notice interface {
		// Kind returns the notice kind constant, for filtering without a
		// type assertion.
		Kind() NoticeKind
	}

	// MessageAppended fires when a new message enters the transcript.
	MessageAppended struct {
		Message transcript.Message
	}

	// MessageUpdated fires when an existing message changes in place: a
	// streaming slot grew or closed, or metadata was amended.
	MessageUpdated struct {
		Message transcript.Message
	}

	// StatusChanged fires on every connection state transition.
	StatusChanged struct {
		State transport.State
	}

	// ArtifactChanged fires when the artifact panel content changes. A nil
	// Snapshot means the panel closed.
	ArtifactChanged struct {
		Snapshot *artifact.Snapshot
	}

	// ToolInvoked fires when an inline or artifact tool event resolved to a
	// renderable capability.
	ToolInvoked struct {
		Invocation *toolkit.Invocation
	}

	// InputRequested fires when the engine asks the user for input; the UI
	// should focus its input field and answer with the request id.
	InputRequested struct {
		RequestID string
		Prompt    string
	}

	// UsageUpdated fires after a usage summary accumulated.
	UsageUpdated struct {
		Usage session.Usage
	}

	// RunFinished fires when the engine reports the run complete.
	RunFinished struct{}

	// Fault fires for non-fatal errors worth surfacing to the user.
	Fault struct {
		Err error
	}
)

const (
	KindMessageAppended NoticeKind = "message.appended"
	KindMessageUpdated  NoticeKind = "message.updated"
	KindStatusChanged   NoticeKind = "status.changed"
	KindArtifactChanged NoticeKind = "artifact.changed"
	KindToolInvoked     NoticeKind = "tool.invoked"
	KindInputRequested  NoticeKind = "input.requested"
	KindUsageUpdated    NoticeKind = "usage.updated"
	KindRunFinished     NoticeKind = "run.finished"
	KindFault           NoticeKind = "fault"
)

func (*MessageAppended) Kind() NoticeKind { return KindMessageAppended }
func (*MessageUpdated) Kind() NoticeKind  { return KindMessageUpdated }
func (*StatusChanged) Kind() NoticeKind   { return KindStatusChanged }
func (*ArtifactChanged) Kind() NoticeKind { return KindArtifactChanged }
func (*ToolInvoked) Kind() NoticeKind     { return KindToolInvoked }
func (*InputRequested) Kind() NoticeKind  { return KindInputRequested }
func (*UsageUpdated) Kind() NoticeKind    { return KindUsageUpdated }
func (*RunFinished) Kind() NoticeKind     { return KindRunFinished }
func (*Fault) Kind() NoticeKind           { return KindFault }
