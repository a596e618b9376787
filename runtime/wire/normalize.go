package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Normalization errors. Callers log and drop rejected payloads; they never
// abort the dispatch loop.
var (
	// ErrNotObject reports a payload that is not a JSON object.
	ErrNotObject = errors.New("wire: payload is not an object")
	// ErrMissingType reports an envelope with no usable type tag.
	ErrMissingType = errors.New("wire: missing type tag")
	// ErrBadTypeCase reports a type tag that is not lowercase. Such tags are
	// rejected rather than folded so the upstream emitter gets fixed.
	ErrBadTypeCase = errors.New("wire: type tag is not lowercase")
)

// envelope fields promoted from inner and data layers when the outer layer
// does not already carry a non-empty value.
var promotedFields = []string{
	"agent",
	"sender",
	"is_visual",
	"is_structured_capable",
	"is_tool_agent",
	"structured_output",
	"tool_id",
	"tool",
	"component",
	"event_id",
	"input_request_id",
	"display",
	"display_type",
	"mode",
}

// Normalize decodes a raw inbound payload and converts it to the canonical
// event shape. It rejects payloads without a recognized lowercase type tag and
// unwraps one level of double-encoding before promoting nested fields.
func Normalize(raw []byte) (*Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return FromPayload(payload)
}

// FromPayload converts an already-decoded payload to the canonical event
// shape. The input map is not mutated.
func FromPayload(payload map[string]any) (*Event, error) {
	if payload == nil {
		return nil, ErrNotObject
	}
	rawType, _ := payload["type"].(string)
	if rawType == "" {
		return nil, ErrMissingType
	}
	if !isLowercaseTag(rawType) {
		return nil, fmt.Errorf("%w: %q", ErrBadTypeCase, rawType)
	}

	merged := make(map[string]any, len(payload))
	for k, v := range payload {
		merged[k] = v
	}

	// One level of double-encoding: a relay that re-wraps events leaves the
	// real event encoded inside content. The inner content always replaces the
	// outer one (the outer value is the encoded blob, a placeholder); other
	// inner fields fill outer gaps only.
	if inner := decodeInner(merged["content"]); inner != nil {
		promoteInner(merged, inner)
	}

	// Envelopes with a data sub-object carry the event fields one level down.
	if data, ok := merged["data"].(map[string]any); ok {
		promoteData(merged, data)
	}

	kind, _ := KindFor(rawType)

	ev := &Event{
		Kind:    kind,
		RawType: rawType,
		Agent:   firstString(merged, "agent", "sender"),
		Content: coerceContent(merged["content"]),
		Flags: Flags{
			IsVisual:            boolValue(merged["is_visual"]),
			IsStructuredCapable: boolValue(merged["is_structured_capable"]),
			IsToolAgent:         boolValue(merged["is_tool_agent"]),
		},
		ToolID:      firstString(merged, "tool_id", "tool", "component"),
		EventID:     firstString(merged, "event_id"),
		DisplayMode: resolveDisplayMode(merged),
		Sequence:    seqValue(merged["seq"]),
		Payload:     merged,
	}
	if so, ok := merged["structured_output"].(map[string]any); ok {
		ev.StructuredOutput = so
	}
	return ev, nil
}

// decodeInner returns the embedded event when content holds one, either as an
// encoded JSON string or as an already-decoded object. Anything without its
// own type tag is ordinary content, not an envelope.
func decodeInner(content any) map[string]any {
	switch v := content.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if !strings.HasPrefix(trimmed, "{") {
			return nil
		}
		var inner map[string]any
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil
		}
		if t, _ := inner["type"].(string); t == "" {
			return nil
		}
		return inner
	case map[string]any:
		if t, _ := v["type"].(string); t == "" {
			return nil
		}
		return v
	default:
		return nil
	}
}

// promoteInner merges an unwrapped inner event into the outer envelope. The
// outer content was the envelope itself, so the inner content replaces it
// unconditionally; every other field keeps a non-empty outer value.
func promoteInner(outer, inner map[string]any) {
	if c, ok := inner["content"]; ok {
		outer["content"] = c
	} else {
		delete(outer, "content")
	}
	for _, k := range promotedFields {
		iv, ok := inner[k]
		if !ok {
			continue
		}
		if emptyValue(outer[k]) {
			outer[k] = iv
		}
	}
	if d, ok := inner["data"].(map[string]any); ok {
		if _, taken := outer["data"]; !taken {
			outer["data"] = d
		}
	}
}

// promoteData lifts fields from a nested data sub-object to the top level
// without overwriting present non-empty values. The sender field only fills
// the agent slot, preserving the sender→agent alias.
func promoteData(outer, data map[string]any) {
	for _, k := range promotedFields {
		dv, ok := data[k]
		if !ok {
			continue
		}
		target := k
		if k == "sender" && emptyValue(outer["agent"]) && emptyValue(outer["sender"]) {
			target = "agent"
		}
		if emptyValue(outer[target]) {
			outer[target] = dv
		}
	}
	if emptyValue(outer["content"]) {
		if c, ok := data["content"]; ok {
			outer["content"] = c
		}
	}
	if _, ok := outer["seq"]; !ok {
		if s, ok := data["seq"]; ok {
			outer["seq"] = s
		}
	}
}

// coerceContent reduces the content field to plain text. Objects exposing a
// content, text, or message sub-field coerce to that sub-field; other objects
// stay behind in Payload and coerce to empty. Scalars format naturally.
func coerceContent(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case map[string]any:
		for _, k := range []string{"content", "text", "message"} {
			if s, ok := c[k].(string); ok {
				return s
			}
		}
		return ""
	case float64, bool:
		return fmt.Sprint(c)
	default:
		return ""
	}
}

// resolveDisplayMode applies the display precedence: explicit
// display/display_type, then mode, then a display or mode embedded in the tool
// payload, defaulting to inline.
func resolveDisplayMode(merged map[string]any) DisplayMode {
	if m, ok := parseDisplay(firstString(merged, "display", "display_type")); ok {
		return m
	}
	if m, ok := parseDisplay(firstString(merged, "mode")); ok {
		return m
	}
	for _, holder := range []string{"payload", "data"} {
		sub, ok := merged[holder].(map[string]any)
		if !ok {
			continue
		}
		if m, ok := parseDisplay(firstString(sub, "display", "display_type", "mode")); ok {
			return m
		}
	}
	return DisplayInline
}

func parseDisplay(s string) (DisplayMode, bool) {
	switch s {
	case string(DisplayArtifact):
		return DisplayArtifact, true
	case string(DisplayInline):
		return DisplayInline, true
	default:
		return DisplayInline, false
	}
}

// isLowercaseTag accepts tags containing no uppercase runes. Structure beyond
// casing is not policed here; unrecognized lowercase tags become KindUnknown.
func isLowercaseTag(tag string) bool {
	for _, r := range tag {
		if unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func seqValue(v any) *int64 {
	switch n := v.(type) {
	case float64:
		s := int64(n)
		return &s
	case int64:
		s := n
		return &s
	case int:
		s := int64(n)
		return &s
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return &i
		}
		return nil
	default:
		return nil
	}
}
