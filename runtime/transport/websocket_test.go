package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		SessionID: "s-ws",
		Headers:   map[string]string{"Authorization": "Bearer tok"},
	}
}

func TestWebSocketDialStreamsInbound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/stream", r.URL.Path)
		require.Equal(t, "s-ws", r.URL.Query().Get("session"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat.text","content":"hi"}`)))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	require.Equal(t, "websocket", d.Name())

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	sink := newRecordingSink()
	conn.Start(sink)
	require.Equal(t, `{"type":"chat.text","content":"hi"}`, sink.waitFrame(t))
}

func TestWebSocketSendReachesServer(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- string(payload)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	conn.Start(newRecordingSink())

	require.NoError(t, conn.Send(context.Background(), []byte(`{"content":"hello"}`)))
	require.Equal(t, `{"content":"hello"}`, waitString(t, received))
}

func TestWebSocketCleanServerCloseReportsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	sink := newRecordingSink()
	conn.Start(sink)
	require.NoError(t, sink.waitClosed(t))
}

func TestWebSocketAbruptDropReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Tear the connection down without a close handshake.
		ws.Close()
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	sink := newRecordingSink()
	conn.Start(sink)
	require.Error(t, sink.waitClosed(t))
}

func TestWebSocketClientCloseIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)

	sink := newRecordingSink()
	conn.Start(sink)
	require.NoError(t, conn.Close())
	require.NoError(t, sink.waitClosed(t))
	require.NoError(t, conn.Close())
}

func TestWebSocketDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream here", http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	_, err = d.Dial(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

func TestWebSocketDialTimeout(t *testing.T) {
	// A listener that accepts but never answers the handshake.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	d, err := newWebSocketDialer(wsConfig(srv.URL))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Dial(ctx)
	require.Error(t, err)
}
