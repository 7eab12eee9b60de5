package statusapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHealthzReportsOK(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(Router(hub))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHubBroadcastsProgressToWebSocketClient(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	go hub.Run(done)
	defer close(done)

	srv := httptest.NewServer(Router(hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/passes"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the register message time to land before publishing.
	time.Sleep(50 * time.Millisecond)
	hub.Publish(PassProgress{PolicyName: "purge_old", Scanned: 10, Matched: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got PassProgress
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if got.PolicyName != "purge_old" || got.Scanned != 10 {
		t.Fatalf("unexpected progress received: %+v", got)
	}
}
