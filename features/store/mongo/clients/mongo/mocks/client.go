// Package mocks provides a test double for the mongo store client, in the
// shape the Clue mock generator emits: per-method expectation queues consumed
// in order, with HasMore reporting leftovers.
package mocks

import (
	"context"
	"testing"

	"goa.design/clue/mock"

	"github.com/loomline/loomline/runtime/artifact"
)

type (
	// Client mocks clients/mongo.Client.
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	ClientNameFunc          func() string
	ClientPingFunc          func(ctx context.Context) error
	ClientLoadCursorFunc    func(ctx context.Context, sessionID string) (int64, error)
	ClientSaveCursorFunc    func(ctx context.Context, sessionID string, seq int64) error
	ClientLoadSeedFunc      func(ctx context.Context, sessionID string) (string, error)
	ClientSaveSeedFunc      func(ctx context.Context, sessionID string, seed string) error
	ClientLoadArtifactFunc  func(ctx context.Context, sessionID string) (*artifact.Snapshot, error)
	ClientSaveArtifactFunc  func(ctx context.Context, sessionID string, snap *artifact.Snapshot) error
	ClientClearArtifactFunc func(ctx context.Context, sessionID string) error
	ClientDeleteSessionFunc func(ctx context.Context, sessionID string) error
)

// NewClient returns a mock with no expectations.
func NewClient(t *testing.T) *Client {
	return &Client{mock.New(), t}
}

func (m *Client) AddName(f ClientNameFunc) { m.m.Add("Name", f) }
func (m *Client) SetName(f ClientNameFunc) { m.m.Set("Name", f) }

func (m *Client) Name() string {
	if f := m.m.Next("Name"); f != nil {
		return f.(ClientNameFunc)()
	}
	m.t.Helper()
	m.t.Error("unexpected Name call")
	return ""
}

func (m *Client) AddPing(f ClientPingFunc) { m.m.Add("Ping", f) }
func (m *Client) SetPing(f ClientPingFunc) { m.m.Set("Ping", f) }

func (m *Client) Ping(ctx context.Context) error {
	if f := m.m.Next("Ping"); f != nil {
		return f.(ClientPingFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected Ping call")
	return nil
}

func (m *Client) AddLoadCursor(f ClientLoadCursorFunc) { m.m.Add("LoadCursor", f) }
func (m *Client) SetLoadCursor(f ClientLoadCursorFunc) { m.m.Set("LoadCursor", f) }

func (m *Client) LoadCursor(ctx context.Context, sessionID string) (int64, error) {
	if f := m.m.Next("LoadCursor"); f != nil {
		return f.(ClientLoadCursorFunc)(ctx, sessionID)
	}
	m.t.Helper()
	m.t.Error("unexpected LoadCursor call")
	return 0, nil
}

func (m *Client) AddSaveCursor(f ClientSaveCursorFunc) { m.m.Add("SaveCursor", f) }
func (m *Client) SetSaveCursor(f ClientSaveCursorFunc) { m.m.Set("SaveCursor", f) }

func (m *Client) SaveCursor(ctx context.Context, sessionID string, seq int64) error {
	if f := m.m.Next("SaveCursor"); f != nil {
		return f.(ClientSaveCursorFunc)(ctx, sessionID, seq)
	}
	m.t.Helper()
	m.t.Error("unexpected SaveCursor call")
	return nil
}

func (m *Client) AddLoadSeed(f ClientLoadSeedFunc) { m.m.Add("LoadSeed", f) }
func (m *Client) SetLoadSeed(f ClientLoadSeedFunc) { m.m.Set("LoadSeed", f) }

func (m *Client) LoadSeed(ctx context.Context, sessionID string) (string, error) {
	if f := m.m.Next("LoadSeed"); f != nil {
		return f.(ClientLoadSeedFunc)(ctx, sessionID)
	}
	m.t.Helper()
	m.t.Error("unexpected LoadSeed call")
	return "", nil
}

func (m *Client) AddSaveSeed(f ClientSaveSeedFunc) { m.m.Add("SaveSeed", f) }
func (m *Client) SetSaveSeed(f ClientSaveSeedFunc) { m.m.Set("SaveSeed", f) }

func (m *Client) SaveSeed(ctx context.Context, sessionID string, seed string) error {
	if f := m.m.Next("SaveSeed"); f != nil {
		return f.(ClientSaveSeedFunc)(ctx, sessionID, seed)
	}
	m.t.Helper()
	m.t.Error("unexpected SaveSeed call")
	return nil
}

func (m *Client) AddLoadArtifact(f ClientLoadArtifactFunc) { m.m.Add("LoadArtifact", f) }
func (m *Client) SetLoadArtifact(f ClientLoadArtifactFunc) { m.m.Set("LoadArtifact", f) }

func (m *Client) LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error) {
	if f := m.m.Next("LoadArtifact"); f != nil {
		return f.(ClientLoadArtifactFunc)(ctx, sessionID)
	}
	m.t.Helper()
	m.t.Error("unexpected LoadArtifact call")
	return nil, nil
}

func (m *Client) AddSaveArtifact(f ClientSaveArtifactFunc) { m.m.Add("SaveArtifact", f) }
func (m *Client) SetSaveArtifact(f ClientSaveArtifactFunc) { m.m.Set("SaveArtifact", f) }

func (m *Client) SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error {
	if f := m.m.Next("SaveArtifact"); f != nil {
		return f.(ClientSaveArtifactFunc)(ctx, sessionID, snap)
	}
	m.t.Helper()
	m.t.Error("unexpected SaveArtifact call")
	return nil
}

func (m *Client) AddClearArtifact(f ClientClearArtifactFunc) { m.m.Add("ClearArtifact", f) }
func (m *Client) SetClearArtifact(f ClientClearArtifactFunc) { m.m.Set("ClearArtifact", f) }

func (m *Client) ClearArtifact(ctx context.Context, sessionID string) error {
	if f := m.m.Next("ClearArtifact"); f != nil {
		return f.(ClientClearArtifactFunc)(ctx, sessionID)
	}
	m.t.Helper()
	m.t.Error("unexpected ClearArtifact call")
	return nil
}

func (m *Client) AddDeleteSession(f ClientDeleteSessionFunc) { m.m.Add("DeleteSession", f) }
func (m *Client) SetDeleteSession(f ClientDeleteSessionFunc) { m.m.Set("DeleteSession", f) }

func (m *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if f := m.m.Next("DeleteSession"); f != nil {
		return f.(ClientDeleteSessionFunc)(ctx, sessionID)
	}
	m.t.Helper()
	m.t.Error("unexpected DeleteSession call")
	return nil
}

// HasMore reports whether expectations remain unconsumed.
func (m *Client) HasMore() bool {
	return m.m.HasMore()
}
