package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/management"
	"github.com/termbridge/termbridge/internal/registry"
	"github.com/termbridge/termbridge/internal/token"
	"github.com/termbridge/termbridge/internal/wire"
)

func testLogger() *logging.Logger { return logging.WithComponent("dispatch-test") }

type harness struct {
	server *httptest.Server
	vault  *token.Vault
	reg    *registry.Registry
	port   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New(testLogger())
	vault := token.NewVault()
	mgmt := management.New(reg, testLogger())
	cfg := Config{Host: "127.0.0.1", ContentServerPort: 9423, Shell: "/bin/sh"}
	d := New(cfg, reg, vault, mgmt, nil, testLogger())

	srv := httptest.NewServer(d.Handler())
	return &harness{server: srv, vault: vault, reg: reg}
}

func (h *harness) close() { h.server.Close() }

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func dial(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func dialExpectFailure(t *testing.T, url, origin string) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatalf("expected dial to fail for origin %q", origin)
	}
	if resp != nil && resp.StatusCode == http.StatusOK {
		t.Fatalf("expected non-200 on rejected origin, got %d", resp.StatusCode)
	}
}

func TestOriginRejection(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	dialExpectFailure(t, h.wsURL("/term"), "http://evil.example")
}

func TestNewSessionHappyPath(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	key, _ := h.vault.Issue()
	conn := dial(t, h.wsURL("/term"), "http://127.0.0.1:9423")
	defer conn.Close()

	hs, _ := json.Marshal(map[string]string{"accessKey": string(key), "sessionID": "new"})
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	_, greeting, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	sessionID := string(greeting)
	if len(sessionID) != 8 {
		t.Fatalf("expected 8-hex greeting, got %q", sessionID)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("k\n")); err != nil {
		t.Fatalf("write keystroke: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := h.reg.Snapshot()
		if len(snap) == 1 && snap[0].SessionID == sessionID && snap[0].Connected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never showed up connected in the registry snapshot")
}

func TestAccessKeyReplayRejected(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	key, _ := h.vault.Issue()
	hs, _ := json.Marshal(map[string]string{"accessKey": string(key), "sessionID": "new"})

	conn1 := dial(t, h.wsURL("/term"), "http://127.0.0.1:9423")
	defer conn1.Close()
	if err := conn1.WriteMessage(websocket.TextMessage, hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, _, err := conn1.ReadMessage(); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	conn2 := dial(t, h.wsURL("/term"), "http://127.0.0.1:9423")
	defer conn2.Close()
	if err := conn2.WriteMessage(websocket.TextMessage, hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatal("expected the replayed access key to be rejected")
	}
}

func TestSecondAttachRejected(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	key1, _ := h.vault.Issue()
	conn1 := dial(t, h.wsURL("/term"), "http://127.0.0.1:9423")
	defer conn1.Close()
	hs1, _ := json.Marshal(map[string]string{"accessKey": string(key1), "sessionID": "new"})
	conn1.WriteMessage(websocket.TextMessage, hs1)
	_, greeting, err := conn1.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	sessionID := string(greeting)

	key2, _ := h.vault.Issue()
	conn2 := dial(t, h.wsURL("/term"), "http://127.0.0.1:9423")
	defer conn2.Close()
	hs2, _ := json.Marshal(map[string]string{"accessKey": string(key2), "sessionID": sessionID})
	conn2.WriteMessage(websocket.TextMessage, hs2)

	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatal("expected the second attach attempt to be closed immediately")
	}
}

func TestManagementPoll(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	key, _ := h.vault.Issue()
	conn := dial(t, h.wsURL("/manage"), "http://127.0.0.1:9423")
	defer conn.Close()

	hs, _ := json.Marshal(map[string]string{"accessKey": string(key)})
	conn.WriteMessage(websocket.TextMessage, hs)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"poll"}`))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read poll response: %v", err)
	}
	var resp wire.PollResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Response != "poll" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
