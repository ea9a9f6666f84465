package wsclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"go.apithrottle.dev/throttle/throttler"
	"go.apithrottle.dev/throttle/wsclient"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func TestDialAndSend(t *testing.T) {
	server := newEchoServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := wsclient.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), websocket.TextMessage, []byte("hello")))

	mt, data, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Equal(t, "hello", string(data))
}

func TestSend_ThrottledWaitsForAdmission(t *testing.T) {
	server := newEchoServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	th, err := throttler.New([]throttler.RateLimit{
		{LimitID: "ws", Limit: 1, TimeInterval: 200 * time.Millisecond, Weight: 1},
	}, throttler.WithSafetyMarginPct(0))
	require.NoError(t, err)

	conn, _, err := wsclient.Dial(url, nil, wsclient.WithThrottler(th, func(messageType int, data []byte) string {
		return "ws"
	}))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), websocket.TextMessage, []byte("one")))

	start := time.Now()
	require.NoError(t, conn.Send(context.Background(), websocket.TextMessage, []byte("two")))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
