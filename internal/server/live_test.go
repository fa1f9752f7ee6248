package server

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
)

func TestLiveHub(t *testing.T) {
	snapshot := func(ctx context.Context) (*StatusSnapshot, error) {
		return &StatusSnapshot{Timestamp: time.Now(), Conversations: 7}, nil
	}

	hub := NewLiveHub(snapshot, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	t.Run("snapshot sent on connect", func(t *testing.T) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		require.NoError(t, err)

		var got StatusSnapshot
		require.NoError(t, json.Unmarshal(message, &got))
		assert.Equal(t, 7, got.Conversations)
	})

	t.Run("periodic broadcasts follow", func(t *testing.T) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(message), "\"conversations\":7")
	})

	t.Run("client count tracks connections", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			return hub.ClientCount() == 1
		}, time.Second, 10*time.Millisecond)
	})
}
