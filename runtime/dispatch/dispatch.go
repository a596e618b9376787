// Package dispatch routes canonical events into transcript, artifact, usage
// and tool state. The dispatcher is the single writer of all of them: the
// inbound path delivers events one at a time, already normalized and already
// past the resume cursor, and every state change leaves through the notice
// bus.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/cursor"
	"github.com/loomline/loomline/runtime/hooks"
	"github.com/loomline/loomline/runtime/session"
	"github.com/loomline/loomline/runtime/telemetry"
	"github.com/loomline/loomline/runtime/toolkit"
	"github.com/loomline/loomline/runtime/transcript"
	"github.com/loomline/loomline/runtime/wire"
)

type (
	// Senders is what the dispatcher needs from its owner to answer the
	// engine.
	//
	// Contract:
	//   - DeliverToolResponse forwards a durable tool response for a
	//     server-issued event id.
	//   - SendRaw pushes one raw frame onto the active channel.
	//   - Epoch identifies the current connection; respond capabilities
	//     handed to widgets are stamped with it and fail once it advances.
	Senders interface {
		DeliverToolResponse(ctx context.Context, eventID, toolID string, data map[string]any) error
		SendRaw(ctx context.Context, payload []byte) error
		Epoch() uint64
	}

	// SeedSaver persists the server-issued resolution seed.
	SeedSaver interface {
		SaveSeed(ctx context.Context, sessionID, seed string) error
	}

	// Options carries the dispatcher's collaborators and session parameters.
	Options struct {
		SessionID    string
		WorkflowName string
		// HasInitialGreeting disarms first-turn suppression: a workflow
		// that opens with its own greeting renders its first text normally.
		HasInitialGreeting bool
		// Seed is the resolution seed loaded from the store at attach,
		// empty when the session has none yet.
		Seed string

		Transcript *transcript.Log
		Artifacts  *artifact.Cache
		Tools      *toolkit.Registry
		Cursor     *cursor.Cursor
		Seeds      SeedSaver
		Bus        *hooks.Bus
		Senders    Senders
		// Connected reports whether the transport currently has an open
		// channel; artifact restoration is gated on it.
		Connected func() bool

		Log     telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Dispatcher applies canonical events to session state, one at a time.
	Dispatcher struct {
		sessionID    string
		workflowName string
		hasGreeting  bool

		transcript *transcript.Log
		artifacts  *artifact.Cache
		tools      *toolkit.Registry
		cursor     *cursor.Cursor
		seeds      SeedSaver
		bus        *hooks.Bus
		senders    Senders
		connected  func() bool
		log        telemetry.Logger
		met        telemetry.Metrics

		// Mutable session state. The inbound path is single-goroutine; the
		// mutex exists for accessors called from render goroutines.
		mu                sync.Mutex
		presence          session.Presence
		usage             session.Usage
		seed              string
		exhausted         bool
		awaitingFirstText bool
		inputMsgs         map[string]string // input request id -> message id
		toolMsgs          map[string]string // event id -> message id
	}
)

// New builds a dispatcher fully wired to its collaborators.
func New(opts Options) (*Dispatcher, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Transcript == nil {
		return nil, errors.New("transcript is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact cache is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if opts.Cursor == nil {
		return nil, errors.New("cursor is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("notice bus is required")
	}
	if opts.Senders == nil {
		return nil, errors.New("senders are required")
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	met := opts.Metrics
	if met == nil {
		met = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{
		sessionID:         opts.SessionID,
		workflowName:      opts.WorkflowName,
		hasGreeting:       opts.HasInitialGreeting,
		transcript:        opts.Transcript,
		artifacts:         opts.Artifacts,
		tools:             opts.Tools,
		cursor:            opts.Cursor,
		seeds:             opts.Seeds,
		bus:               opts.Bus,
		senders:           opts.Senders,
		connected:         opts.Connected,
		log:               log,
		met:               met,
		presence:          session.PresenceUnknown,
		seed:              opts.Seed,
		awaitingFirstText: !opts.HasInitialGreeting,
		inputMsgs:         make(map[string]string),
		toolMsgs:          make(map[string]string),
	}, nil
}

// Dispatch routes one canonical event. No return value: failures are logged
// and surfaced as notices, never propagated back to the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *wire.Event) {
	if ev == nil {
		return
	}
	d.met.IncCounter(telemetry.MetricEventsAccepted, 1,
		"session", d.sessionID, "kind", ev.Kind.String())

	switch ev.Kind {
	case wire.KindSessionMetadata:
		d.onSessionMetadata(ctx, ev)
	case wire.KindPrint:
		d.onPartialText(ctx, ev)
	case wire.KindText:
		d.onFinalText(ctx, ev)
	case wire.KindInputRequest:
		d.onInputRequest(ctx, ev)
	case wire.KindInputAck:
		d.onInputAck(ctx, ev)
	case wire.KindToolCall:
		d.onToolCall(ctx, ev)
	case wire.KindToolResponse:
		d.onToolResponse(ctx, ev)
	case wire.KindToolProgress:
		d.onToolProgress(ctx, ev)
	case wire.KindUsageSummary:
		d.onUsageSummary(ev)
	case wire.KindSpeakerChange:
		d.onSpeakerChange(ctx, ev)
	case wire.KindTokenWarning:
		d.onTokenNotice(ev, false)
	case wire.KindTokenExhausted:
		d.onTokenNotice(ev, true)
	case wire.KindRunComplete:
		d.onRunComplete(ev)
	case wire.KindError:
		d.onError(ev)
	case wire.KindResumeBoundary:
		d.onResumeBoundary(ctx, ev)
	default:
		d.drop(ctx, ev, "unknown_kind")
	}
}

// ConnectionEstablished re-evaluates artifact restoration for the connection
// the owner just reported open.
func (d *Dispatcher) ConnectionEstablished(ctx context.Context) {
	d.maybeRestoreArtifact(ctx)
}

// Presence reports what the handshake established about the session.
func (d *Dispatcher) Presence() session.Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presence
}

// Usage returns the accumulated token accounting.
func (d *Dispatcher) Usage() session.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usage
}

// Exhausted reports whether the engine declared the token budget spent.
func (d *Dispatcher) Exhausted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exhausted
}

// Seed returns the current resolution seed.
func (d *Dispatcher) Seed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seed
}

// Reset clears per-session dispatch state after the durable record was
// destroyed. The transcript and artifact cache are reset by their owners.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence = session.PresenceUnknown
	d.usage = session.Usage{}
	d.seed = ""
	d.exhausted = false
	d.awaitingFirstText = !d.hasGreeting
	d.inputMsgs = make(map[string]string)
	d.toolMsgs = make(map[string]string)
}

// onSessionMetadata records the handshake. Presence is latched on first
// receipt; a session the server reports as new purges any locally cached
// artifact so a reused client identifier cannot leak stale interactive state.
func (d *Dispatcher) onSessionMetadata(ctx context.Context, ev *wire.Event) {
	exists, ok := ev.BoolField("exists")
	if !ok {
		exists, ok = ev.BoolField("existed")
	}

	d.mu.Lock()
	first := !d.presence.Known()
	if first && ok {
		if exists {
			d.presence = session.PresenceExisted
		} else {
			d.presence = session.PresenceFresh
		}
	}
	presence := d.presence
	if greeting, has := ev.BoolField("has_initial_greeting"); has {
		d.awaitingFirstText = !greeting && d.awaitingFirstText
	}
	// An existing session consumed its bootstrap turn long ago; suppression
	// only ever applies to the first turn of a brand-new session.
	if ok && exists {
		d.awaitingFirstText = false
	}
	d.mu.Unlock()

	if first && ok && !exists {
		if d.artifacts.Current(d.sessionID) != nil {
			d.bus.Publish(&hooks.ArtifactChanged{Snapshot: nil})
		}
		d.artifacts.Purge(ctx, d.sessionID)
		d.log.Info(ctx, "session is fresh server-side, purged cached artifact",
			"session", d.sessionID)
	}

	if seed := firstNonEmpty(ev.StringField("cache_seed"), ev.StringField("seed")); seed != "" {
		d.applySeed(ctx, seed)
	}

	if presence.Confirmed() {
		d.maybeRestoreArtifact(ctx)
	}
}

func (d *Dispatcher) applySeed(ctx context.Context, seed string) {
	d.mu.Lock()
	changed := seed != d.seed
	d.seed = seed
	d.mu.Unlock()
	if !changed {
		return
	}
	d.tools.InvalidateSession(d.sessionID)
	if d.seeds != nil {
		if err := d.seeds.SaveSeed(ctx, d.sessionID, seed); err != nil {
			d.met.IncCounter(telemetry.MetricStoreErrors, 1, "session", d.sessionID, "op", "save_seed")
			d.log.Error(ctx, "persist resolution seed failed", "session", d.sessionID, "err", err)
		}
	}
	d.log.Info(ctx, "resolution seed rotated", "session", d.sessionID)
}

func (d *Dispatcher) onPartialText(ctx context.Context, ev *wire.Event) {
	if d.consumeFirstText() {
		d.drop(ctx, ev, "first_turn_suppressed")
		return
	}
	msg, appended := d.transcript.ApplyPartial(ev.Agent, ev.Content)
	d.publishMessage(msg, appended)
}

func (d *Dispatcher) onFinalText(ctx context.Context, ev *wire.Event) {
	if d.consumeFirstText() {
		d.drop(ctx, ev, "first_turn_suppressed")
		return
	}
	if isEcho(ev.Content, d.transcript.LastUserMessage()) {
		d.drop(ctx, ev, "echo_suppressed")
		return
	}
	msg, appended := d.transcript.CloseOn(ev.Agent, ev.Content)
	d.publishMessage(msg, appended)
}

// consumeFirstText reports whether this text event is the suppressed
// bootstrap instruction, disarming the flag either way.
func (d *Dispatcher) consumeFirstText() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.awaitingFirstText {
		return false
	}
	d.awaitingFirstText = false
	return true
}

func (d *Dispatcher) onInputRequest(ctx context.Context, ev *wire.Event) {
	requestID := firstNonEmpty(ev.StringField("input_request_id"), ev.StringField("request_id"))
	if requestID == "" {
		d.drop(ctx, ev, "missing_request_id")
		return
	}
	prompt := firstNonEmpty(ev.Content, ev.StringField("prompt"))
	msg := d.transcript.AppendSystem(prompt, map[string]any{
		"input_request_id": requestID,
	})
	d.mu.Lock()
	d.inputMsgs[requestID] = msg.ID
	d.mu.Unlock()
	d.bus.Publish(&hooks.MessageAppended{Message: msg})
	d.bus.Publish(&hooks.InputRequested{RequestID: requestID, Prompt: prompt})
}

func (d *Dispatcher) onInputAck(ctx context.Context, ev *wire.Event) {
	requestID := firstNonEmpty(ev.StringField("input_request_id"), ev.StringField("request_id"))
	d.mu.Lock()
	msgID, ok := d.inputMsgs[requestID]
	if ok {
		delete(d.inputMsgs, requestID)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug(ctx, "input ack without pending request",
			"session", d.sessionID, "request_id", requestID)
		return
	}
	if msg, amended := d.transcript.Amend(msgID, func(m *transcript.Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata["answered"] = true
	}); amended {
		d.bus.Publish(&hooks.MessageUpdated{Message: msg})
	}
}

// onToolCall resolves the capability, validates the payload, and mounts the
// invocation on the surface the display mode selects. Resolution and
// validation failures downgrade to the error capability, which always renders
// inline so the artifact panel only ever holds a well-formed artifact.
func (d *Dispatcher) onToolCall(ctx context.Context, ev *wire.Event) {
	if ev.ToolID == "" {
		d.drop(ctx, ev, "missing_tool_id")
		return
	}
	capability := d.tools.Resolve(d.sessionID, d.Seed(), d.workflowName, ev.ToolID)
	payload := toolPayload(ev)
	if !capability.IsError() {
		if err := capability.ValidatePayload(payload); err != nil {
			d.log.Warn(ctx, "tool payload rejected, downgrading to error capability",
				"session", d.sessionID, "tool", ev.ToolID, "err", err)
			capability = toolkit.ErrorCapability(err)
		}
	}

	inv := &toolkit.Invocation{
		ToolID:     ev.ToolID,
		EventID:    ev.EventID,
		Payload:    payload,
		Capability: capability,
		Respond:    d.respondFunc(ev.EventID, ev.ToolID),
	}

	if ev.DisplayMode == wire.DisplayArtifact && !capability.IsError() {
		snap := artifact.NewSnapshot(ev, d.workflowName, time.Now())
		d.artifacts.Record(ctx, d.sessionID, snap)
		d.bus.Publish(&hooks.ArtifactChanged{Snapshot: snap})
		d.bus.Publish(&hooks.ToolInvoked{Invocation: inv})
		return
	}

	msg := d.transcript.Append(transcript.SenderAgent, ev.Agent, ev.Content, map[string]any{
		"tool_id":    inv.ToolID,
		"event_id":   inv.EventID,
		"capability": capability.Name,
	})
	if ev.EventID != "" {
		d.mu.Lock()
		d.toolMsgs[ev.EventID] = msg.ID
		d.mu.Unlock()
	}
	d.bus.Publish(&hooks.MessageAppended{Message: msg})
	d.bus.Publish(&hooks.ToolInvoked{Invocation: inv})
}

// respondFunc binds a widget's answer path to the current connection epoch. A
// respond call after teardown fails definitely instead of writing to a dead
// connection. Responses to events the server never issued an id for resolve
// client-side only.
func (d *Dispatcher) respondFunc(eventID, toolID string) toolkit.RespondFunc {
	epoch := d.senders.Epoch()
	return func(ctx context.Context, data map[string]any) bool {
		if d.senders.Epoch() != epoch {
			d.log.Warn(ctx, "tool response after connection teardown",
				"session", d.sessionID, "tool", toolID)
			return false
		}
		if eventID == "" {
			return true
		}
		if err := d.senders.DeliverToolResponse(ctx, eventID, toolID, data); err != nil {
			d.log.Error(ctx, "tool response delivery failed",
				"session", d.sessionID, "tool", toolID, "event_id", eventID, "err", err)
			return false
		}
		return true
	}
}

func (d *Dispatcher) onToolResponse(ctx context.Context, ev *wire.Event) {
	d.mu.Lock()
	msgID, ok := d.toolMsgs[ev.EventID]
	d.mu.Unlock()
	if !ok {
		d.log.Debug(ctx, "tool response for unmounted tool",
			"session", d.sessionID, "event_id", ev.EventID)
		return
	}
	if msg, amended := d.transcript.Amend(msgID, func(m *transcript.Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata["responded"] = true
		if payload := toolPayload(ev); payload != nil {
			m.Metadata["response"] = payload
		}
	}); amended {
		d.bus.Publish(&hooks.MessageUpdated{Message: msg})
	}
}

func (d *Dispatcher) onToolProgress(ctx context.Context, ev *wire.Event) {
	d.mu.Lock()
	msgID, ok := d.toolMsgs[ev.EventID]
	d.mu.Unlock()
	if !ok {
		d.log.Debug(ctx, "tool progress for unmounted tool",
			"session", d.sessionID, "event_id", ev.EventID)
		return
	}
	if msg, amended := d.transcript.Amend(msgID, func(m *transcript.Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		if payload := toolPayload(ev); payload != nil {
			m.Metadata["progress"] = payload
		} else if ev.Content != "" {
			m.Metadata["progress"] = ev.Content
		}
	}); amended {
		d.bus.Publish(&hooks.MessageUpdated{Message: msg})
	}
}

func (d *Dispatcher) onUsageSummary(ev *wire.Event) {
	input, _ := ev.IntField("input_tokens")
	output, _ := ev.IntField("output_tokens")
	total, _ := ev.IntField("total_tokens")

	d.mu.Lock()
	d.usage.Accumulate(input, output, total)
	usage := d.usage
	d.mu.Unlock()
	d.bus.Publish(&hooks.UsageUpdated{Usage: usage})
}

// onSpeakerChange ends the turn: the open streaming slot closes and any open
// artifact is cleared, in memory and in the store, because a new turn
// invalidates the prior artifact's interactive affordances.
func (d *Dispatcher) onSpeakerChange(ctx context.Context, ev *wire.Event) {
	if msg, closed := d.transcript.CloseOpen(); closed {
		d.bus.Publish(&hooks.MessageUpdated{Message: msg})
	}
	if d.artifacts.Current(d.sessionID) != nil {
		d.artifacts.Purge(ctx, d.sessionID)
		d.bus.Publish(&hooks.ArtifactChanged{Snapshot: nil})
	}
	d.log.Debug(ctx, "turn boundary", "session", d.sessionID, "speaker", ev.Agent)
}

func (d *Dispatcher) onTokenNotice(ev *wire.Event, exhausted bool) {
	kind := string(wire.KindTokenWarning)
	fallback := "the session is approaching its token budget"
	if exhausted {
		kind = string(wire.KindTokenExhausted)
		fallback = "the session token budget is exhausted"
		d.mu.Lock()
		d.exhausted = true
		d.mu.Unlock()
	}
	msg := d.transcript.AppendSystem(firstNonEmpty(ev.Content, fallback), map[string]any{
		"kind": kind,
	})
	d.bus.Publish(&hooks.MessageAppended{Message: msg})
}

func (d *Dispatcher) onRunComplete(_ *wire.Event) {
	if msg, closed := d.transcript.CloseOpen(); closed {
		d.bus.Publish(&hooks.MessageUpdated{Message: msg})
	}
	d.bus.Publish(&hooks.RunFinished{})
}

func (d *Dispatcher) onError(ev *wire.Event) {
	content := firstNonEmpty(ev.Content, "the engine reported an error")
	msg := d.transcript.AppendSystem(content, map[string]any{"kind": string(wire.KindError)})
	d.bus.Publish(&hooks.MessageAppended{Message: msg})
	d.bus.Publish(&hooks.Fault{Err: fmt.Errorf("engine error: %s", content)})
}

func (d *Dispatcher) onResumeBoundary(ctx context.Context, ev *wire.Event) {
	replayed, ok := ev.IntField("replayed")
	if !ok {
		replayed, _ = ev.IntField("count")
	}
	d.cursor.Boundary(ctx, int(replayed))
}

func (d *Dispatcher) maybeRestoreArtifact(ctx context.Context) {
	if d.connected == nil || !d.connected() {
		return
	}
	if !d.Presence().Confirmed() {
		return
	}
	snap := d.artifacts.Restore(ctx, d.sessionID, d.senders.Epoch())
	if snap == nil {
		return
	}
	d.bus.Publish(&hooks.ArtifactChanged{Snapshot: snap})
}

func (d *Dispatcher) publishMessage(msg transcript.Message, appended bool) {
	if appended {
		d.bus.Publish(&hooks.MessageAppended{Message: msg})
		return
	}
	d.bus.Publish(&hooks.MessageUpdated{Message: msg})
}

func (d *Dispatcher) drop(ctx context.Context, ev *wire.Event, reason string) {
	d.met.IncCounter(telemetry.MetricEventsDropped, 1,
		"session", d.sessionID, "reason", reason)
	d.log.Debug(ctx, "event dropped",
		"session", d.sessionID, "kind", ev.Kind.String(), "raw_type", ev.RawType, "reason", reason)
}

// isEcho reports whether a final text is the user's own input parroted back:
// identical, or one containing the other with at most three words added. The
// containment check keeps genuine replies that merely quote the user alive;
// the word cap keeps them alive even when they start with the quote.
func isEcho(final, lastUser string) bool {
	if final == "" || lastUser == "" {
		return false
	}
	if final == lastUser {
		return true
	}
	if !strings.Contains(final, lastUser) && !strings.Contains(lastUser, final) {
		return false
	}
	delta := len(strings.Fields(final)) - len(strings.Fields(lastUser))
	if delta < 0 {
		delta = -delta
	}
	return delta <= 3
}

func toolPayload(ev *wire.Event) map[string]any {
	if p := ev.MapField("payload"); p != nil {
		return p
	}
	return ev.StructuredOutput
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
