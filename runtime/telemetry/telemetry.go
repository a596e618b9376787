// Package telemetry defines the logging and metrics seams used throughout the
// client runtime. Implementations typically delegate to Clue and OpenTelemetry
// but the interfaces are intentionally small so tests can provide lightweight
// stubs.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger captures structured logging used throughout the runtime.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and timer helpers for runtime instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)

// Metric names recorded by the runtime. Tags identify the session and, where
// relevant, the transport flavor or event kind.
const (
	MetricEventsAccepted    = "loomline.events.accepted"
	MetricEventsDropped     = "loomline.events.dropped"
	MetricEventsMalformed   = "loomline.events.malformed"
	MetricReconnectAttempts = "loomline.transport.reconnects"
	MetricConnectDuration   = "loomline.transport.connect_duration"
	MetricResumeRoundTrips  = "loomline.resume.round_trips"
	MetricToolResolutions   = "loomline.toolkit.resolutions"
	MetricStoreErrors       = "loomline.store.errors"
)
