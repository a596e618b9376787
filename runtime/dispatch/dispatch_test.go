package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/cursor"
	"github.com/loomline/loomline/runtime/hooks"
	"github.com/loomline/loomline/runtime/session"
	"github.com/loomline/loomline/runtime/store/inmem"
	"github.com/loomline/loomline/runtime/toolkit"
	"github.com/loomline/loomline/runtime/transcript"
	"github.com/loomline/loomline/runtime/wire"
)

type toolDelivery struct {
	eventID string
	toolID  string
	data    map[string]any
}

// fakeSenders records outbound traffic and lets tests move the connection
// epoch under mounted widgets.
type fakeSenders struct {
	mu         sync.Mutex
	epoch      uint64
	fail       error
	deliveries []toolDelivery
	raw        [][]byte
}

func newFakeSenders() *fakeSenders { return &fakeSenders{epoch: 1} }

func (s *fakeSenders) DeliverToolResponse(_ context.Context, eventID, toolID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.deliveries = append(s.deliveries, toolDelivery{eventID: eventID, toolID: toolID, data: data})
	return nil
}

func (s *fakeSenders) SendRaw(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSenders) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *fakeSenders) advanceEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

func (s *fakeSenders) delivered() []toolDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]toolDelivery(nil), s.deliveries...)
}

// noticeLog records bus notices in publish order. Dispatch is synchronous, so
// tests read it without further coordination.
type noticeLog struct {
	mu  sync.Mutex
	all []hooks.Notice
}

func (n *noticeLog) record(notice hooks.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, notice)
}

func (n *noticeLog) ofKind(kind hooks.NoticeKind) []hooks.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []hooks.Notice
	for _, notice := range n.all {
		if notice.Kind() == kind {
			out = append(out, notice)
		}
	}
	return out
}

func (n *noticeLog) count(kind hooks.NoticeKind) int { return len(n.ofKind(kind)) }

func (n *noticeLog) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = nil
}

type harness struct {
	d          *Dispatcher
	store      *inmem.Store
	transcript *transcript.Log
	artifacts  *artifact.Cache
	tools      *toolkit.Registry
	cursor     *cursor.Cursor
	senders    *fakeSenders
	notices    *noticeLog
	connected  atomic.Bool
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:      inmem.New(),
		transcript: transcript.NewLog(),
		tools:      toolkit.NewRegistry(nil, nil),
		senders:    newFakeSenders(),
		notices:    &noticeLog{},
	}
	h.artifacts = artifact.NewCache(h.store, nil)
	h.cursor = cursor.New(h.store, "sess-1", nil, nil)
	bus := hooks.NewBus(nil)
	bus.Subscribe(h.notices.record)

	opts := Options{
		SessionID:          "sess-1",
		WorkflowName:       "triage",
		HasInitialGreeting: true,
		Transcript:         h.transcript,
		Artifacts:          h.artifacts,
		Tools:              h.tools,
		Cursor:             h.cursor,
		Seeds:              h.store,
		Bus:                bus,
		Senders:            h.senders,
		Connected:          h.connected.Load,
	}
	for _, m := range mutate {
		m(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	h.d = d
	return h
}

func (h *harness) dispatch(t *testing.T, raw string) {
	t.Helper()
	ev, err := wire.Normalize([]byte(raw))
	require.NoError(t, err)
	h.d.Dispatch(context.Background(), ev)
}

func (h *harness) lastInvocation(t *testing.T) *toolkit.Invocation {
	t.Helper()
	invoked := h.notices.ofKind(hooks.KindToolInvoked)
	require.NotEmpty(t, invoked, "no tool was invoked")
	return invoked[len(invoked)-1].(*hooks.ToolInvoked).Invocation
}

func TestDispatchFinalTextAppends(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"chat.text","agent":"scribe","content":"drafted the summary","seq":1}`)

	require.Equal(t, 1, h.transcript.Len())
	msg := h.transcript.Messages()[0]
	require.Equal(t, transcript.SenderAgent, msg.Sender)
	require.Equal(t, "scribe", msg.AgentName)
	require.Equal(t, "drafted the summary", msg.Content)
	require.False(t, msg.Streaming)

	appended := h.notices.ofKind(hooks.KindMessageAppended)
	require.Len(t, appended, 1)
	require.Equal(t, msg.ID, appended[0].(*hooks.MessageAppended).Message.ID)
}

func TestDispatchPartialThenFinalUpdatesInPlace(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"chat.print","agent":"scribe","content":"drafting","seq":1}`)
	h.dispatch(t, `{"type":"chat.print","agent":"scribe","content":"drafting the plan","seq":2}`)
	h.dispatch(t, `{"type":"chat.text","agent":"scribe","content":"drafting the plan, done","seq":3}`)

	require.Equal(t, 1, h.transcript.Len())
	msg := h.transcript.Messages()[0]
	require.Equal(t, "drafting the plan, done", msg.Content)
	require.False(t, msg.Streaming)

	require.Equal(t, 1, h.notices.count(hooks.KindMessageAppended))
	require.Equal(t, 2, h.notices.count(hooks.KindMessageUpdated))
}

func TestDispatchFirstTurnSuppressionDropsBootstrapText(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HasInitialGreeting = false })

	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"You are the triage workflow. Greet the user.","seq":1}`)
	require.Zero(t, h.transcript.Len())
	require.Zero(t, h.notices.count(hooks.KindMessageAppended))

	// Only the very first text event is the forwarded instruction.
	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"Hello, what can I help with?","seq":2}`)
	require.Equal(t, 1, h.transcript.Len())
	require.Equal(t, "Hello, what can I help with?", h.transcript.Messages()[0].Content)
}

func TestDispatchExistingSessionDisarmsSuppression(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HasInitialGreeting = false })

	// A pre-existing session consumed its bootstrap turn in a prior run; the
	// first text after reattach is real conversation.
	h.dispatch(t, `{"type":"session.metadata","exists":true,"seq":1}`)
	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"Where were we?","seq":2}`)

	require.Equal(t, 1, h.transcript.Len())
	require.Equal(t, "Where were we?", h.transcript.Messages()[0].Content)
}

func TestDispatchMetadataGreetingFlagDisarmsSuppression(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HasInitialGreeting = false })

	h.dispatch(t, `{"type":"session.metadata","exists":true,"has_initial_greeting":true,"seq":1}`)
	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"Welcome back.","seq":2}`)

	require.Equal(t, 1, h.transcript.Len())
	require.Equal(t, "Welcome back.", h.transcript.Messages()[0].Content)
}

func TestDispatchEchoSuppression(t *testing.T) {
	h := newHarness(t)
	h.transcript.AppendUser("deploy to staging")

	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"deploy to staging","seq":1}`)
	require.Equal(t, 1, h.transcript.Len(), "identical echo must not render")

	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"deploy to staging!","seq":2}`)
	require.Equal(t, 1, h.transcript.Len(), "near-identical echo must not render")

	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"deploy to staging now please","seq":3}`)
	require.Equal(t, 1, h.transcript.Len(), "echo with a couple of words tacked on must not render")

	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"deploy to staging is underway, I will report back once the canary checks clear","seq":4}`)
	require.Equal(t, 2, h.transcript.Len(), "a real reply that quotes the user renders")

	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"deployment started","seq":5}`)
	require.Equal(t, 3, h.transcript.Len())
	require.Equal(t, "deployment started", h.transcript.Messages()[2].Content)
}

func TestDispatchPartialsBypassEchoSuppression(t *testing.T) {
	h := newHarness(t)
	h.transcript.AppendUser("status")

	h.dispatch(t, `{"type":"chat.print","agent":"router","content":"status","seq":1}`)
	require.Equal(t, 2, h.transcript.Len(), "partials are never echo-checked")
}

func TestDispatchSessionMetadataFreshPurgesArtifact(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("board", toolkit.Capability{}))
	h.dispatch(t, `{"type":"tool.call","agent":"planner","tool_id":"board","event_id":"ev-1","display":"artifact","payload":{"lanes":3},"seq":1}`)
	require.NotNil(t, h.artifacts.Current("sess-1"))
	h.notices.reset()

	h.dispatch(t, `{"type":"session.metadata","exists":false,"seq":2}`)

	require.Equal(t, session.PresenceFresh, h.d.Presence())
	require.Nil(t, h.artifacts.Current("sess-1"))
	persisted, err := h.store.LoadArtifact(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Nil(t, persisted)

	changed := h.notices.ofKind(hooks.KindArtifactChanged)
	require.Len(t, changed, 1)
	require.Nil(t, changed[0].(*hooks.ArtifactChanged).Snapshot)
}

func TestDispatchSessionMetadataExistedRestoresWhenConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveArtifact(context.Background(), "sess-1", &artifact.Snapshot{
		ToolID:       "board",
		EventID:      "ev-old",
		WorkflowName: "triage",
		Payload:      map[string]any{"lanes": float64(3)},
		DisplayMode:  wire.DisplayArtifact,
	}))
	h.connected.Store(true)

	h.dispatch(t, `{"type":"session.metadata","exists":true,"seq":1}`)

	require.Equal(t, session.PresenceExisted, h.d.Presence())
	changed := h.notices.ofKind(hooks.KindArtifactChanged)
	require.Len(t, changed, 1)
	snap := changed[0].(*hooks.ArtifactChanged).Snapshot
	require.NotNil(t, snap)
	require.Equal(t, "board", snap.ToolID)
	require.Empty(t, snap.EventID, "restored mounts were never acknowledged on this connection")
}

func TestDispatchSessionMetadataPresenceLatchesFirstReport(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"session.metadata","exists":false,"seq":1}`)
	h.dispatch(t, `{"type":"session.metadata","exists":true,"seq":2}`)

	require.Equal(t, session.PresenceFresh, h.d.Presence())
}

func TestDispatchConnectionEstablishedRestoresOncePerEpoch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveArtifact(ctx, "sess-1", &artifact.Snapshot{
		ToolID: "board", WorkflowName: "triage",
	}))

	// Disconnected at handshake time: presence is recorded, nothing restores.
	h.dispatch(t, `{"type":"session.metadata","exists":true,"seq":1}`)
	require.Zero(t, h.notices.count(hooks.KindArtifactChanged))

	h.connected.Store(true)
	h.d.ConnectionEstablished(ctx)
	require.Equal(t, 1, h.notices.count(hooks.KindArtifactChanged))

	h.d.ConnectionEstablished(ctx)
	require.Equal(t, 1, h.notices.count(hooks.KindArtifactChanged), "same epoch must not restore twice")

	h.senders.advanceEpoch()
	h.d.ConnectionEstablished(ctx)
	require.Equal(t, 2, h.notices.count(hooks.KindArtifactChanged))
}

func TestDispatchFreshSessionNeverRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveArtifact(ctx, "sess-1", &artifact.Snapshot{ToolID: "board"}))
	h.connected.Store(true)

	h.dispatch(t, `{"type":"session.metadata","exists":false,"seq":1}`)
	h.d.ConnectionEstablished(ctx)

	require.Zero(t, h.notices.count(hooks.KindArtifactChanged))
}

// seedRecorder wraps the store to count seed writes.
type seedRecorder struct {
	*inmem.Store
	mu    sync.Mutex
	saves []string
}

func (s *seedRecorder) SaveSeed(ctx context.Context, sessionID, seed string) error {
	s.mu.Lock()
	s.saves = append(s.saves, seed)
	s.mu.Unlock()
	return s.Store.SaveSeed(ctx, sessionID, seed)
}

func (s *seedRecorder) saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves...)
}

func TestDispatchSeedRotationPersistsAndInvalidates(t *testing.T) {
	seeds := &seedRecorder{Store: inmem.New()}
	h := newHarness(t, func(o *Options) {
		o.Seed = "seed-1"
		o.Seeds = seeds
	})

	require.Equal(t, "seed-1", h.d.Seed())

	h.dispatch(t, `{"type":"session.metadata","exists":true,"cache_seed":"seed-2","seq":1}`)
	require.Equal(t, "seed-2", h.d.Seed())
	require.Equal(t, []string{"seed-2"}, seeds.saved())

	stored, err := seeds.LoadSeed(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "seed-2", stored)

	// The same seed again is not a rotation.
	h.dispatch(t, `{"type":"session.metadata","cache_seed":"seed-2","seq":2}`)
	require.Equal(t, []string{"seed-2"}, seeds.saved())
}

func TestDispatchToolCallInlineMountsWidget(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("confirm", toolkit.Capability{Name: "confirm"}))

	h.dispatch(t, `{"type":"tool.call","agent":"planner","tool_id":"confirm","event_id":"ev-9","payload":{"action":"purge"},"seq":1}`)

	require.Equal(t, 1, h.transcript.Len())
	msg := h.transcript.Messages()[0]
	require.Equal(t, "confirm", msg.Metadata["tool_id"])
	require.Equal(t, "ev-9", msg.Metadata["event_id"])
	require.Equal(t, "confirm", msg.Metadata["capability"])

	inv := h.lastInvocation(t)
	require.Equal(t, "confirm", inv.Capability.Name)
	require.Equal(t, map[string]any{"action": "purge"}, inv.Payload)

	require.True(t, inv.Respond(context.Background(), map[string]any{"confirmed": true}))
	deliveries := h.senders.delivered()
	require.Len(t, deliveries, 1)
	require.Equal(t, "ev-9", deliveries[0].eventID)
	require.Equal(t, "confirm", deliveries[0].toolID)
	require.Equal(t, map[string]any{"confirmed": true}, deliveries[0].data)
}

func TestDispatchToolCallArtifactReplacesPanel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterWorkflow("triage", "board", toolkit.Capability{Name: "board"}))

	h.dispatch(t, `{"type":"tool.call","agent":"planner","tool_id":"board","event_id":"ev-2","display":"artifact","payload":{"lanes":3},"seq":1}`)

	require.Zero(t, h.transcript.Len(), "artifact mounts do not append messages")
	changed := h.notices.ofKind(hooks.KindArtifactChanged)
	require.Len(t, changed, 1)
	snap := changed[0].(*hooks.ArtifactChanged).Snapshot
	require.Equal(t, "board", snap.ToolID)
	require.Equal(t, "ev-2", snap.EventID)

	persisted, err := h.store.LoadArtifact(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, persisted)

	require.Equal(t, 1, h.notices.count(hooks.KindToolInvoked))
}

func TestDispatchToolCallUnknownToolDowngrades(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"tool.call","agent":"planner","tool_id":"mystery","event_id":"ev-3","display":"artifact","payload":{},"seq":1}`)

	// The error capability always renders inline; the panel keeps its last
	// well-formed artifact.
	require.Nil(t, h.artifacts.Current("sess-1"))
	require.Zero(t, h.notices.count(hooks.KindArtifactChanged))
	require.Equal(t, 1, h.transcript.Len())

	inv := h.lastInvocation(t)
	require.True(t, inv.Capability.IsError())
	require.ErrorIs(t, inv.Capability.Err, toolkit.ErrUnknownTool)
	require.Equal(t, toolkit.ErrorCapabilityName, inv.Capability.Name)
}

func TestDispatchToolCallSchemaViolationDowngrades(t *testing.T) {
	h := newHarness(t)
	schema, err := toolkit.CompileSchema("confirm", []byte(`{
		"type": "object",
		"required": ["amount"],
		"properties": {"amount": {"type": "number"}}
	}`))
	require.NoError(t, err)
	require.NoError(t, h.tools.RegisterCore("confirm", toolkit.Capability{Name: "confirm", Schema: schema}))

	h.dispatch(t, `{"type":"tool.call","agent":"planner","tool_id":"confirm","event_id":"ev-4","payload":{"amount":"ten"},"seq":1}`)

	inv := h.lastInvocation(t)
	require.True(t, inv.Capability.IsError())
	require.ErrorContains(t, inv.Capability.Err, "payload rejected")
	require.Equal(t, 1, h.transcript.Len())
}

func TestDispatchToolCallMissingToolIDDropped(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"tool.call","agent":"planner","payload":{},"seq":1}`)

	require.Zero(t, h.transcript.Len())
	require.Zero(t, h.notices.count(hooks.KindToolInvoked))
}

func TestDispatchRespondFailsAfterEpochAdvance(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("confirm", toolkit.Capability{}))
	h.dispatch(t, `{"type":"tool.call","tool_id":"confirm","event_id":"ev-5","payload":{},"seq":1}`)
	inv := h.lastInvocation(t)

	h.senders.advanceEpoch()

	require.False(t, inv.Respond(context.Background(), map[string]any{"ok": true}))
	require.Empty(t, h.senders.delivered())
}

func TestDispatchRespondWithoutEventIDResolvesClientSide(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("confirm", toolkit.Capability{}))
	h.dispatch(t, `{"type":"tool.call","tool_id":"confirm","payload":{},"seq":1}`)
	inv := h.lastInvocation(t)

	require.True(t, inv.Respond(context.Background(), map[string]any{"ok": true}))
	require.Empty(t, h.senders.delivered(), "no server event id, nothing to forward")
}

func TestDispatchRespondReportsDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("confirm", toolkit.Capability{}))
	h.dispatch(t, `{"type":"tool.call","tool_id":"confirm","event_id":"ev-6","payload":{},"seq":1}`)
	inv := h.lastInvocation(t)

	h.senders.fail = errors.New("connection lost")

	require.False(t, inv.Respond(context.Background(), map[string]any{"ok": true}))
}

func TestDispatchToolProgressAmendsMountedMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("upload", toolkit.Capability{}))
	h.dispatch(t, `{"type":"tool.call","tool_id":"upload","event_id":"ev-7","payload":{},"seq":1}`)
	h.notices.reset()

	h.dispatch(t, `{"type":"tool.progress","event_id":"ev-7","payload":{"percent":40},"seq":2}`)

	require.Equal(t, 1, h.transcript.Len(), "progress never appends")
	msg := h.transcript.Messages()[0]
	require.Equal(t, map[string]any{"percent": float64(40)}, msg.Metadata["progress"])
	require.Equal(t, 1, h.notices.count(hooks.KindMessageUpdated))

	h.notices.reset()
	h.dispatch(t, `{"type":"tool.progress","event_id":"ev-unknown","payload":{"percent":90},"seq":3}`)
	require.Zero(t, h.notices.count(hooks.KindMessageUpdated))
}

func TestDispatchToolResponseMarksAnswered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("confirm", toolkit.Capability{}))
	h.dispatch(t, `{"type":"tool.call","tool_id":"confirm","event_id":"ev-8","payload":{},"seq":1}`)
	h.notices.reset()

	h.dispatch(t, `{"type":"tool.response","event_id":"ev-8","payload":{"confirmed":true},"seq":2}`)

	msg := h.transcript.Messages()[0]
	require.Equal(t, true, msg.Metadata["responded"])
	require.Equal(t, map[string]any{"confirmed": true}, msg.Metadata["response"])
	require.Equal(t, 1, h.notices.count(hooks.KindMessageUpdated))
}

func TestDispatchInputRequestAndAck(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"input.request","input_request_id":"req-1","content":"Which environment?","seq":1}`)

	require.Equal(t, 1, h.transcript.Len())
	msg := h.transcript.Messages()[0]
	require.Equal(t, transcript.SenderSystem, msg.Sender)
	require.Equal(t, "Which environment?", msg.Content)
	require.Equal(t, "req-1", msg.Metadata["input_request_id"])

	requested := h.notices.ofKind(hooks.KindInputRequested)
	require.Len(t, requested, 1)
	require.Equal(t, "req-1", requested[0].(*hooks.InputRequested).RequestID)
	require.Equal(t, "Which environment?", requested[0].(*hooks.InputRequested).Prompt)

	h.notices.reset()
	h.dispatch(t, `{"type":"input.ack","input_request_id":"req-1","seq":2}`)
	require.Equal(t, true, h.transcript.Messages()[0].Metadata["answered"])
	require.Equal(t, 1, h.notices.count(hooks.KindMessageUpdated))

	// A second ack for the same request has nothing left to amend.
	h.notices.reset()
	h.dispatch(t, `{"type":"input.ack","input_request_id":"req-1","seq":3}`)
	require.Zero(t, h.notices.count(hooks.KindMessageUpdated))
}

func TestDispatchUsageSummaryAccumulates(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"usage.summary","input_tokens":100,"output_tokens":40,"seq":1}`)
	h.dispatch(t, `{"type":"usage.summary","input_tokens":50,"output_tokens":10,"total_tokens":75,"seq":2}`)

	usage := h.d.Usage()
	require.Equal(t, int64(150), usage.InputTokens)
	require.Equal(t, int64(50), usage.OutputTokens)
	require.Equal(t, int64(215), usage.TotalTokens, "omitted totals derive from input+output")

	updates := h.notices.ofKind(hooks.KindUsageUpdated)
	require.Len(t, updates, 2)
	require.Equal(t, int64(215), updates[1].(*hooks.UsageUpdated).Usage.TotalTokens)
}

func TestDispatchSpeakerChangeEndsTurn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tools.RegisterCore("board", toolkit.Capability{}))
	h.dispatch(t, `{"type":"chat.print","agent":"scribe","content":"working","seq":1}`)
	h.dispatch(t, `{"type":"tool.call","tool_id":"board","event_id":"ev-1","display":"artifact","payload":{},"seq":2}`)
	h.notices.reset()

	h.dispatch(t, `{"type":"speaker.change","agent":"reviewer","seq":3}`)

	require.False(t, h.transcript.Messages()[0].Streaming)
	require.Nil(t, h.artifacts.Current("sess-1"))

	changed := h.notices.ofKind(hooks.KindArtifactChanged)
	require.Len(t, changed, 1)
	require.Nil(t, changed[0].(*hooks.ArtifactChanged).Snapshot)
	require.Equal(t, 1, h.notices.count(hooks.KindMessageUpdated))
}

func TestDispatchSpeakerChangeWithoutArtifactPublishesNothing(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"speaker.change","agent":"reviewer","seq":1}`)

	require.Zero(t, h.notices.count(hooks.KindArtifactChanged))
	require.Zero(t, h.notices.count(hooks.KindMessageUpdated))
}

func TestDispatchTokenNotices(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"token.warning","content":"80% of budget used","seq":1}`)
	require.False(t, h.d.Exhausted())
	require.Equal(t, 1, h.transcript.Len())
	require.Equal(t, transcript.SenderSystem, h.transcript.Messages()[0].Sender)
	require.Equal(t, "80% of budget used", h.transcript.Messages()[0].Content)

	h.dispatch(t, `{"type":"token.exhausted","seq":2}`)
	require.True(t, h.d.Exhausted())
	require.Equal(t, 2, h.transcript.Len())
	require.Equal(t, "the session token budget is exhausted", h.transcript.Messages()[1].Content)
}

func TestDispatchRunCompleteClosesOpenSlot(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, `{"type":"chat.print","agent":"scribe","content":"almost","seq":1}`)
	h.notices.reset()

	h.dispatch(t, `{"type":"run.complete","seq":2}`)

	require.False(t, h.transcript.Messages()[0].Streaming)
	require.Equal(t, 1, h.notices.count(hooks.KindMessageUpdated))
	require.Equal(t, 1, h.notices.count(hooks.KindRunFinished))

	h.notices.reset()
	h.dispatch(t, `{"type":"run.complete","seq":3}`)
	require.Zero(t, h.notices.count(hooks.KindMessageUpdated))
	require.Equal(t, 1, h.notices.count(hooks.KindRunFinished))
}

func TestDispatchErrorSurfacesMessageAndFault(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"error","content":"agent pool exhausted","seq":1}`)

	require.Equal(t, 1, h.transcript.Len())
	require.Equal(t, transcript.SenderSystem, h.transcript.Messages()[0].Sender)

	faults := h.notices.ofKind(hooks.KindFault)
	require.Len(t, faults, 1)
	require.ErrorContains(t, faults[0].(*hooks.Fault).Err, "agent pool exhausted")
}

func TestDispatchResumeBoundaryClearsPendingReplay(t *testing.T) {
	h := newHarness(t)
	h.cursor.MarkResumeSent()
	require.True(t, h.cursor.Pending())

	h.dispatch(t, `{"type":"resume_boundary","replayed":2}`)

	require.False(t, h.cursor.Pending())
}

func TestDispatchUnknownKindDropped(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, `{"type":"telemetry.heartbeat","content":"x","seq":1}`)

	require.Zero(t, h.transcript.Len())
	require.Empty(t, h.notices.ofKind(hooks.KindMessageAppended))
}

func TestDispatchReset(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HasInitialGreeting = false
		o.Seed = "seed-1"
	})
	h.dispatch(t, `{"type":"session.metadata","exists":true,"seq":1}`)
	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"bootstrap","seq":2}`)
	h.dispatch(t, `{"type":"token.exhausted","seq":3}`)

	h.d.Reset()

	require.Equal(t, session.PresenceUnknown, h.d.Presence())
	require.False(t, h.d.Exhausted())
	require.Empty(t, h.d.Seed())
	require.Zero(t, h.d.Usage().TotalTokens)

	// Suppression re-arms for the next session.
	before := h.transcript.Len()
	h.dispatch(t, `{"type":"chat.text","agent":"router","content":"bootstrap again","seq":4}`)
	require.Equal(t, before, h.transcript.Len())
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	base := Options{
		SessionID:  "sess-1",
		Transcript: h.transcript,
		Artifacts:  h.artifacts,
		Tools:      h.tools,
		Cursor:     h.cursor,
		Bus:        hooks.NewBus(nil),
		Senders:    h.senders,
	}

	_, err := New(base)
	require.NoError(t, err)

	for _, strip := range []func(*Options){
		func(o *Options) { o.SessionID = "" },
		func(o *Options) { o.Transcript = nil },
		func(o *Options) { o.Artifacts = nil },
		func(o *Options) { o.Tools = nil },
		func(o *Options) { o.Cursor = nil },
		func(o *Options) { o.Bus = nil },
		func(o *Options) { o.Senders = nil },
	} {
		opts := base
		strip(&opts)
		_, err := New(opts)
		require.Error(t, err)
	}
}
