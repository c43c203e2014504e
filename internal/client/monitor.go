package client

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/wire"
)

// Monitor dials wsURL, performs the /manage handshake, requests one poll,
// and writes a tabular snapshot to w.
func Monitor(wsURL, accessKey string, w interface{ Write([]byte) (int, error) }) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	hs, err := json.Marshal(wire.HandshakeManage{AccessKey: accessKey})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	req, _ := json.Marshal(wire.ManagementRequest{Type: "poll"})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("poll request: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read poll response: %w", err)
	}

	var resp wire.PollResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}

	return renderSnapshot(w, resp.Result)
}

// Watch dials wsURL, performs the /manage handshake, and re-renders the
// snapshot both on the server's own broadcasts (session attach/detach/reap)
// and on a periodic self-poll every interval, until the connection drops.
func Watch(wsURL, accessKey string, w interface{ Write([]byte) (int, error) }, interval time.Duration) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	hs, err := json.Marshal(wire.HandshakeManage{AccessKey: accessKey})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	return pollLoop(conn, w, interval)
}

func renderSnapshot(w interface{ Write([]byte) (int, error) }, sessions []wire.SessionInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION ID\tCONNECTED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%v\n", s.SessionID, s.Connected)
	}
	return tw.Flush()
}

// Kill dials wsURL, performs the /manage handshake, and requests
// termination of sessionID, returning the server's response.
func Kill(wsURL, accessKey, sessionID string) (wire.KillResponse, error) {
	var out wire.KillResponse

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return out, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	hs, _ := json.Marshal(wire.HandshakeManage{AccessKey: accessKey})
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		return out, fmt.Errorf("handshake: %w", err)
	}

	req, _ := json.Marshal(wire.ManagementRequest{Type: "kill", SessionID: sessionID})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return out, fmt.Errorf("kill request: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return out, fmt.Errorf("read kill response: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode kill response: %w", err)
	}
	return out, nil
}

// pollLoop renders the snapshot carried by every incoming PollResponse,
// whether pushed unsolicited by the server on a state change or returned in
// answer to a poll request this function sends itself every interval.
func pollLoop(conn *websocket.Conn, w interface{ Write([]byte) (int, error) }, interval time.Duration) error {
	done := make(chan struct{})
	defer close(done)

	if interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					req, _ := json.Marshal(wire.ManagementRequest{Type: "poll"})
					if conn.WriteMessage(websocket.TextMessage, req) != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp wire.PollResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if err := renderSnapshot(w, resp.Result); err != nil {
			return err
		}
	}
}
