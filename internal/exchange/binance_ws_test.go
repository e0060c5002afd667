package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TestReadLoopReleasesWatcher covers the watcher lifetime: when the read loop
// exits on its own (server close), the per-connection watcher must exit too
// instead of lingering to swallow a reconnect signal meant for the next
// connection.
func TestReadLoopReleasesWatcher(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c.Close()
	}))
	defer srv.Close()

	w := NewBinanceWS(false, nil, nil, zerolog.Nop())
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	// The server closed the socket, so the read loop returns on its own.
	w.readLoop(context.Background())

	// Give the watcher a moment to observe the release.
	time.Sleep(50 * time.Millisecond)

	w.requestReconnect()
	select {
	case <-w.reconnectCh:
	default:
		t.Errorf("reconnect signal was consumed by a stale watcher")
	}
}
