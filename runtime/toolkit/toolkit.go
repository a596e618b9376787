// Package toolkit maps tool identifiers from inbound events to renderable
// capabilities. Lookup is two-tier: a workflow-specific catalogue first, the
// shared core catalogue second, and a deterministic error capability carrying
// the attempted keys when both miss. Resolutions are cached per
// (session, seed, workflow, tool) so a mid-session seed change invalidates
// old entries without a reload.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomline/loomline/runtime/telemetry"
)

type (
	// Capability is one renderable tool binding. The zero Name on
	// registration defaults to the tool id.
	Capability struct {
		// Name keys the renderer the UI binds for this capability.
		Name string
		// Schema, when set, validates tool payloads before mounting.
		Schema *jsonschema.Schema
		// Err is non-nil only on the error capability and carries the
		// resolution or validation failure for operator diagnosis.
		Err error
	}

	// Invocation is one mounted interactive tool. Ephemeral: it exists only
	// while the widget is mounted.
	Invocation struct {
		ToolID string
		// EventID is the server-issued id gating durable response
		// forwarding; empty for client-restored artifacts.
		EventID    string
		Payload    map[string]any
		Capability Capability
		// Respond submits the widget's answer. Bound to the connection
		// epoch at creation; returns false once that connection is gone.
		Respond RespondFunc
	}

	// RespondFunc reports whether the response was handed off.
	RespondFunc func(ctx context.Context, data map[string]any) bool

	// Registry is the static capability catalogue plus the resolution
	// cache. Populate it at startup; registration is not safe concurrently
	// with resolution.
	Registry struct {
		core     map[string]Capability
		workflow map[string]map[string]Capability

		mu    sync.Mutex
		cache map[cacheKey]Capability

		log telemetry.Logger
		met telemetry.Metrics
	}

	cacheKey struct {
		sessionID string
		seed      string
		workflow  string
		toolID    string
	}
)

// ErrUnknownTool indicates no catalogue carries the requested tool.
var ErrUnknownTool = errors.New("unknown tool")

// ErrorCapabilityName is the renderer key of the deterministic error
// capability.
const ErrorCapabilityName = "tool.error"

// NewRegistry returns an empty registry.
func NewRegistry(log telemetry.Logger, met telemetry.Metrics) *Registry {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if met == nil {
		met = telemetry.NewNoopMetrics()
	}
	return &Registry{
		core:     make(map[string]Capability),
		workflow: make(map[string]map[string]Capability),
		cache:    make(map[cacheKey]Capability),
		log:      log,
		met:      met,
	}
}

// RegisterCore adds a capability to the shared catalogue.
func (r *Registry) RegisterCore(toolID string, capability Capability) error {
	if toolID == "" {
		return errors.New("tool id is required")
	}
	if _, ok := r.core[toolID]; ok {
		return fmt.Errorf("core capability %q already registered", toolID)
	}
	if capability.Name == "" {
		capability.Name = toolID
	}
	r.core[toolID] = capability
	return nil
}

// RegisterWorkflow adds a capability to one workflow's catalogue, shadowing
// any core capability with the same tool id.
func (r *Registry) RegisterWorkflow(workflowName, toolID string, capability Capability) error {
	if workflowName == "" {
		return errors.New("workflow name is required")
	}
	if toolID == "" {
		return errors.New("tool id is required")
	}
	catalogue, ok := r.workflow[workflowName]
	if !ok {
		catalogue = make(map[string]Capability)
		r.workflow[workflowName] = catalogue
	}
	if _, ok := catalogue[toolID]; ok {
		return fmt.Errorf("workflow %q capability %q already registered", workflowName, toolID)
	}
	if capability.Name == "" {
		capability.Name = toolID
	}
	catalogue[toolID] = capability
	return nil
}

// Resolve returns the capability for the tool, consulting the cache first.
// It never fails: a total miss yields the error capability.
func (r *Registry) Resolve(sessionID, seed, workflowName, toolID string) Capability {
	key := cacheKey{sessionID: sessionID, seed: seed, workflow: workflowName, toolID: toolID}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		r.met.IncCounter(telemetry.MetricToolResolutions, 1, "cache", "hit")
		return cached
	}
	r.mu.Unlock()

	resolved, source := r.lookup(workflowName, toolID)
	r.met.IncCounter(telemetry.MetricToolResolutions, 1, "cache", "miss", "source", source)

	r.mu.Lock()
	r.cache[key] = resolved
	r.mu.Unlock()
	return resolved
}

// InvalidateSession drops every cached resolution for the session.
func (r *Registry) InvalidateSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.sessionID == sessionID {
			delete(r.cache, key)
		}
	}
}

// IsError reports whether the capability is the error capability.
func (c Capability) IsError() bool { return c.Err != nil }

// ValidatePayload checks the payload against the capability's schema, if one
// is declared. Values must originate from JSON decoding.
func (c Capability) ValidatePayload(payload map[string]any) error {
	if c.Schema == nil {
		return nil
	}
	doc := make(map[string]any, len(payload))
	for k, v := range payload {
		doc[k] = v
	}
	if err := c.Schema.Validate(any(doc)); err != nil {
		return fmt.Errorf("tool payload rejected: %w", err)
	}
	return nil
}

// ErrorCapability builds the deterministic fallback for a failed resolution
// or validation.
func ErrorCapability(err error) Capability {
	return Capability{Name: ErrorCapabilityName, Err: err}
}

// CompileSchema compiles a JSON Schema document for capability registration.
func CompileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parse schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %q: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return schema, nil
}

// lookup walks the two catalogue tiers.
func (r *Registry) lookup(workflowName, toolID string) (Capability, string) {
	if catalogue, ok := r.workflow[workflowName]; ok {
		if capability, ok := catalogue[toolID]; ok {
			return capability, "workflow"
		}
	}
	if capability, ok := r.core[toolID]; ok {
		return capability, "core"
	}
	err := fmt.Errorf("%w: workflow=%q tool=%q", ErrUnknownTool, workflowName, toolID)
	r.log.Warn(context.Background(), "tool resolution failed",
		"workflow", workflowName, "tool_id", toolID)
	return ErrorCapability(err), "error"
}
