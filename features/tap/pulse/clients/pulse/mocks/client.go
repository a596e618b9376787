// Package mocks provides test doubles for the pulse tap client, in the shape
// the Clue mock generator emits: per-method expectation queues consumed in
// order, with HasMore reporting leftovers.
package mocks

import (
	"context"
	"testing"

	"goa.design/clue/mock"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/loomline/loomline/features/tap/pulse/clients/pulse"
)

type (
	// Client mocks clients/pulse.Client.
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	ClientStreamFunc func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)
	ClientCloseFunc  func(ctx context.Context) error

	// Stream mocks clients/pulse.Stream.
	Stream struct {
		m *mock.Mock
		t *testing.T
	}

	StreamAddFunc     func(ctx context.Context, event string, payload []byte) (string, error)
	StreamDestroyFunc func(ctx context.Context) error
)

// NewClient returns a mock with no expectations.
func NewClient(t *testing.T) *Client {
	return &Client{mock.New(), t}
}

func (m *Client) AddStream(f ClientStreamFunc) { m.m.Add("Stream", f) }
func (m *Client) SetStream(f ClientStreamFunc) { m.m.Set("Stream", f) }

func (m *Client) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	if f := m.m.Next("Stream"); f != nil {
		return f.(ClientStreamFunc)(name, opts...)
	}
	m.t.Helper()
	m.t.Error("unexpected Stream call")
	return nil, nil
}

func (m *Client) AddClose(f ClientCloseFunc) { m.m.Add("Close", f) }
func (m *Client) SetClose(f ClientCloseFunc) { m.m.Set("Close", f) }

func (m *Client) Close(ctx context.Context) error {
	if f := m.m.Next("Close"); f != nil {
		return f.(ClientCloseFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected Close call")
	return nil
}

// HasMore reports whether expectations remain unconsumed.
func (m *Client) HasMore() bool { return m.m.HasMore() }

// NewStream returns a mock with no expectations.
func NewStream(t *testing.T) *Stream {
	return &Stream{mock.New(), t}
}

func (m *Stream) AddAdd(f StreamAddFunc) { m.m.Add("Add", f) }
func (m *Stream) SetAdd(f StreamAddFunc) { m.m.Set("Add", f) }

func (m *Stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f := m.m.Next("Add"); f != nil {
		return f.(StreamAddFunc)(ctx, event, payload)
	}
	m.t.Helper()
	m.t.Error("unexpected Add call")
	return "", nil
}

func (m *Stream) AddDestroy(f StreamDestroyFunc) { m.m.Add("Destroy", f) }
func (m *Stream) SetDestroy(f StreamDestroyFunc) { m.m.Set("Destroy", f) }

func (m *Stream) Destroy(ctx context.Context) error {
	if f := m.m.Next("Destroy"); f != nil {
		return f.(StreamDestroyFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected Destroy call")
	return nil
}

// HasMore reports whether expectations remain unconsumed.
func (m *Stream) HasMore() bool { return m.m.HasMore() }
