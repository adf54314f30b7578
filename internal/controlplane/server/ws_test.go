package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botdeck/pkg/logger"
)

// serverConn 返回一条真实 websocket 连接的服务端
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil
	}
}

func TestWSSubscriber_StalledWriterNeverBlocksSend(t *testing.T) {
	sub := newWSSubscriber(serverConn(t), logger.WithField("test", "ws"))
	// 不启动 writeLoop，模拟卡住的连接

	start := time.Now()
	for i := 0; i < wsSendBuffer; i++ {
		require.NoError(t, sub.Send([]byte(`{"type":"update"}`)))
	}
	assert.ErrorIs(t, sub.Send([]byte(`{"type":"update"}`)), errSubscriberSlow)
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, sub.IsOpen())
	assert.ErrorIs(t, sub.Send([]byte(`{}`)), errSubscriberClosed)
}

func TestWSSubscriber_WriteLoopDelivers(t *testing.T) {
	conns := make(chan *wsSubscriber, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := newWSSubscriber(c, logger.WithField("test", "ws"))
		go sub.writeLoop()
		conns <- sub
		sub.readLoop()
		sub.close()
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	sub := <-conns
	require.NoError(t, sub.Send([]byte(`{"n":1}`)))
	require.NoError(t, sub.Send([]byte(`{"n":2}`)))

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(raw))
	}
}
