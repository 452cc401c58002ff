package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventClientEnqueueIsBounded(t *testing.T) {
	c := newEventClient("c1", nil, "127.0.0.1")

	for i := 0; i < eventQueueSize; i++ {
		require.True(t, c.enqueue([]byte("x")))
	}
	assert.False(t, c.enqueue([]byte("overflow")))
}

func TestEventHubPublishDoesNotWaitForStalledClient(t *testing.T) {
	hub := NewEventHub(nil, zerolog.Nop())
	ts := httptest.NewServer(hub)
	defer ts.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The client never reads, so socket buffers fill and the writer stalls.
	payload := strings.Repeat("m", 64*1024)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		hub.Publish("fact.added", map[string]string{"text": payload})
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Eventually(t, func() bool { return hub.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEventHubPublishWithoutClients(t *testing.T) {
	hub := NewEventHub(nil, zerolog.Nop())
	hub.Publish("fact.added", nil)
	assert.Equal(t, 0, hub.Count())
}
