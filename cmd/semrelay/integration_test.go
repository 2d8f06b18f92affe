//go:build integration

package main

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/natsclient"
)

// startRelay starts a relay against url and runs it until the test ends.
func startRelay(t *testing.T, url string) *relay {
	t.Helper()

	cfg := testConfig(t)
	cfg.Bus.URL = url
	cfg.Bus.ConnectAttempts = 2

	rel, err := newRelay(cfg, setupLogger(&bytes.Buffer{}, "debug", "json"))
	require.NoError(t, err)
	require.NoError(t, rel.start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rel.run(ctx, 10*time.Second)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return rel
}

// startNATS pins the server image the relay is tested against and allows
// for slow container starts on CI.
func startNATS(t *testing.T) *natsclient.TestClient {
	t.Helper()
	return natsclient.NewTestClient(t,
		natsclient.WithNATSVersion("2.11.7-alpine"),
		natsclient.WithStartTimeout(time.Minute),
		natsclient.WithTestTimeout(10*time.Second),
	)
}

func dial(t *testing.T, rel *relay, path string) (*websocket.Conn, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+rel.addr()+path, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func TestIntegration_RelayEndToEnd(t *testing.T) {
	tc := startNATS(t)
	rel := startRelay(t, tc.URL)

	ws, err := dial(t, rel, "/user.42")
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool {
		return rel.registry.Refcount("user.42") == 1 && rel.bus.Subscribed("user.42")
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, tc.Client.Flush(ctx))
	require.NoError(t, rel.client.Flush(ctx))
	require.NoError(t, tc.Client.Publish(ctx, "user.43", []byte(`ignored`)))
	require.NoError(t, tc.Client.Publish(ctx, "user.42", []byte(`{"score":7}`)))
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, `{"score":7}`, string(data))

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return rel.registry.Len() == 0 && !rel.bus.Subscribed("user.42")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIntegration_RelayRejectsOutsideAllowList(t *testing.T) {
	tc := startNATS(t)
	rel := startRelay(t, tc.URL)

	_, err := dial(t, rel, "/admin.panel")
	require.Error(t, err)
	assert.Equal(t, 0, rel.registry.Len())
}

func TestIntegration_HealthOnClientPort(t *testing.T) {
	tc := startNATS(t)
	rel := startRelay(t, tc.URL)

	resp, err := http.Get("http://" + rel.addr() + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestIntegration_BusLossIsFatal(t *testing.T) {
	tc := startNATS(t)

	cfg := testConfig(t)
	cfg.Bus.URL = tc.URL
	cfg.Bus.MaxReconnects = 0
	cfg.Bus.ReconnectWait = 100 * time.Millisecond

	rel, err := newRelay(cfg, setupLogger(&bytes.Buffer{}, "info", "json"))
	require.NoError(t, err)
	require.NoError(t, rel.start(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- rel.run(context.Background(), 5*time.Second)
	}()

	require.NoError(t, tc.Terminate())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	case <-time.After(30 * time.Second):
		t.Fatal("relay kept running after the bus connection closed")
	}
}
