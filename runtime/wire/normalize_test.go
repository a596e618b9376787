package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_FlatText(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"chat.text","agent":"planner","content":"done","seq":7}`))
	require.NoError(t, err)
	require.Equal(t, KindText, ev.Kind)
	require.Equal(t, "chat.text", ev.RawType)
	require.Equal(t, "planner", ev.Agent)
	require.Equal(t, "done", ev.Content)
	seq, ok := ev.Seq()
	require.True(t, ok)
	require.Equal(t, int64(7), seq)
}

func TestNormalize_MissingType(t *testing.T) {
	_, err := Normalize([]byte(`{"content":"hi"}`))
	require.ErrorIs(t, err, ErrMissingType)
}

func TestNormalize_NonObject(t *testing.T) {
	_, err := Normalize([]byte(`"chat.text"`))
	require.ErrorIs(t, err, ErrNotObject)
}

func TestNormalize_UppercaseTypeRejected(t *testing.T) {
	_, err := Normalize([]byte(`{"type":"Chat.Text","content":"hi"}`))
	require.ErrorIs(t, err, ErrBadTypeCase)
}

func TestNormalize_LegacyAlias(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"print","content":"chunk"}`))
	require.NoError(t, err)
	require.Equal(t, KindPrint, ev.Kind)
	require.Equal(t, "print", ev.RawType)

	ev, err = Normalize([]byte(`{"type":"tool_result","event_id":"e9"}`))
	require.NoError(t, err)
	require.Equal(t, KindToolResponse, ev.Kind)
	require.Equal(t, "e9", ev.EventID)
}

func TestNormalize_UnknownKindPassthrough(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"workflow.paused","content":"x"}`))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, ev.Kind)
	require.Equal(t, "workflow.paused", ev.RawType)
	require.Equal(t, "x", ev.Content)
}

func TestNormalize_DoubleEncodedContent(t *testing.T) {
	raw := `{"type":"chat.text","seq":4,"content":"{\"type\":\"chat.text\",\"agent\":\"researcher\",\"content\":\"inner wins\",\"is_visual\":true}"}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, KindText, ev.Kind)
	require.Equal(t, "researcher", ev.Agent)
	require.Equal(t, "inner wins", ev.Content)
	require.True(t, ev.Flags.IsVisual)
	seq, ok := ev.Seq()
	require.True(t, ok)
	require.Equal(t, int64(4), seq)
}

func TestNormalize_DoubleEncodedOuterFieldWins(t *testing.T) {
	raw := `{"type":"chat.text","agent":"router","content":"{\"type\":\"chat.text\",\"agent\":\"inner\",\"content\":\"body\"}"}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "router", ev.Agent, "non-empty outer agent is preserved")
	require.Equal(t, "body", ev.Content, "placeholder outer content is replaced")
}

func TestNormalize_InnerObjectEnvelope(t *testing.T) {
	raw := `{"type":"tool.call","content":{"type":"tool.call","tool_id":"plan_viewer","content":"ready"}}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, KindToolCall, ev.Kind)
	require.Equal(t, "plan_viewer", ev.ToolID)
	require.Equal(t, "ready", ev.Content)
}

func TestNormalize_ContentObjectWithoutEnvelopeStays(t *testing.T) {
	// An object content without its own type tag is not an envelope; its text
	// sub-field still coerces.
	raw := `{"type":"chat.text","content":{"text":"hello"}}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "hello", ev.Content)
}

func TestNormalize_DataPromotion(t *testing.T) {
	raw := `{"type":"chat.text","data":{"sender":"critic","content":"from data","is_tool_agent":true,"event_id":"e1"}}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "critic", ev.Agent, "sender aliases to agent")
	require.Equal(t, "from data", ev.Content)
	require.True(t, ev.Flags.IsToolAgent)
	require.Equal(t, "e1", ev.EventID)
}

func TestNormalize_DataNeverOverwrites(t *testing.T) {
	raw := `{"type":"chat.text","agent":"top","content":"top body","data":{"agent":"nested","content":"nested body"}}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "top", ev.Agent)
	require.Equal(t, "top body", ev.Content)
}

func TestNormalize_ContentCoercion(t *testing.T) {
	for _, sub := range []string{"content", "text", "message"} {
		raw := `{"type":"chat.text","content":{"` + sub + `":"coerced"}}`
		ev, err := Normalize([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, "coerced", ev.Content, "sub-field %s", sub)
	}
}

func TestNormalize_DisplayModePrecedence(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"tool.call","display":"artifact","mode":"inline"}`))
	require.NoError(t, err)
	require.Equal(t, DisplayArtifact, ev.DisplayMode)

	ev, err = Normalize([]byte(`{"type":"tool.call","display_type":"artifact"}`))
	require.NoError(t, err)
	require.Equal(t, DisplayArtifact, ev.DisplayMode)

	ev, err = Normalize([]byte(`{"type":"tool.call","mode":"artifact"}`))
	require.NoError(t, err)
	require.Equal(t, DisplayArtifact, ev.DisplayMode)

	ev, err = Normalize([]byte(`{"type":"tool.call","payload":{"display":"artifact"}}`))
	require.NoError(t, err)
	require.Equal(t, DisplayArtifact, ev.DisplayMode)

	ev, err = Normalize([]byte(`{"type":"tool.call","tool_id":"x"}`))
	require.NoError(t, err)
	require.Equal(t, DisplayInline, ev.DisplayMode)
}

func TestNormalize_SequenceAbsent(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"session.metadata","session_id":"s1"}`))
	require.NoError(t, err)
	_, ok := ev.Seq()
	require.False(t, ok)
	require.Equal(t, "s1", ev.StringField("session_id"))
}

func TestNormalize_StructuredOutput(t *testing.T) {
	raw := `{"type":"chat.text","content":"t","structured_output":{"score":0.9}}`
	ev, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, ev.StructuredOutput)
	require.Equal(t, 0.9, ev.StructuredOutput["score"])
}
