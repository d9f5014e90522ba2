package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/events/bus"
	"github.com/kandev/runorchestrator/internal/runs"
)

func TestWSRelayReplaysExistingAndLiveEvents(t *testing.T) {
	ctx := context.Background()
	b, err := NewMemoryBus(bus.NewMemoryEventBus(logger.Default()), "")
	require.NoError(t, err)

	b.AppendResponse(ctx, "run-1", json.RawMessage(`{"n":1}`))

	relay := NewWSRelay(b, logger.Default())
	server := httptest.NewServer(relay)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?run_id=run-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(msg), "first message should be the pre-existing event")

	// Give the relay goroutine time to finish subscribing to notifications
	// after the initial replay before publishing the next one.
	time.Sleep(50 * time.Millisecond)
	b.AppendResponse(ctx, "run-1", json.RawMessage(`{"n":2}`))
	require.NoError(t, b.PublishNotification(ctx, "run-1"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(msg), "second message should be the live-appended event")
}

func TestWSRelayClosesOnTerminalBroadcast(t *testing.T) {
	ctx := context.Background()
	b, err := NewMemoryBus(bus.NewMemoryEventBus(logger.Default()), "")
	require.NoError(t, err)

	relay := NewWSRelay(b, logger.Default())
	server := httptest.NewServer(relay)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?run_id=run-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.PublishControl(ctx, "run-2", "", runs.ControlEndStream))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "want a normal close, got %v", err)
			return
		}
	}
}

func TestWSRelayRequiresRunIDParam(t *testing.T) {
	b, err := NewMemoryBus(bus.NewMemoryEventBus(logger.Default()), "")
	require.NoError(t, err)
	relay := NewWSRelay(b, logger.Default())
	server := httptest.NewServer(relay)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "run_id is required")
}
