package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zerofish "github.com/RajanDhamala/go-zerofish"
)

func TestLineHubStreamsEngineOutput(t *testing.T) {
	hub := NewLineHub()
	done := make(chan struct{})
	defer close(done)
	go hub.Run(done)

	srv := httptest.NewServer(NewRouter(zerolog.Nop(), &MockCoordinator{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/lines"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Observe(1, zerofish.KindResource, "info depth 3 score cp 12 pv e2e4")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event LineEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, LineEvent{Worker: 1, Engine: "resource", Line: "info depth 3 score cp 12 pv e2e4"}, event)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLineHubObserveNeverBlocks(t *testing.T) {
	hub := NewLineHub()
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Observe(0, zerofish.KindPrimary, "info string flood")
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked without a running hub")
	}
}
