// Package client implements the CLI-side counterpart of the message
// channel: attach pipes a raw terminal to /term, monitor polls /manage.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/termbridge/termbridge/internal/wire"
)

// Attach dials wsURL, performs the /term handshake, and pipes the local
// terminal's stdin/stdout to the session until either side disconnects.
// greetingFn, if non-nil, is called once with the server-assigned
// SessionID before the raw-mode I/O loop starts.
func Attach(wsURL, accessKey, sessionID string, greetingFn func(string)) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	hs, err := json.Marshal(wire.HandshakeTerm{AccessKey: accessKey, SessionID: sessionID})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	_, greeting, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("server closed before greeting (bad access key, unknown session, or already attached): %w", err)
	}
	if greetingFn != nil {
		greetingFn(string(greeting))
	}

	stdinFd := int(os.Stdin.Fd())
	var oldState *term.State
	if term.IsTerminal(stdinFd) {
		oldState, err = term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	sendResize(conn, stdinFd)
	stopResize := watchResize(conn, stdinFd)
	defer stopResize()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			os.Stdout.Write(msg)
		}
	}()

	buf := make([]byte, 1024)
	for {
		select {
		case <-readerDone:
			return nil
		default:
		}

		n, err := os.Stdin.Read(buf)
		if n > 0 {
			frame := append([]byte("k"), buf[:n]...)
			if werr := conn.WriteMessage(websocket.TextMessage, frame); werr != nil {
				<-readerDone
				return nil
			}
		}
		if err != nil {
			if err != io.EOF {
				return err
			}
			<-readerDone
			return nil
		}
	}
}

func sendResize(conn *websocket.Conn, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	payload, err := json.Marshal(wire.ResizePayload{Rows: rows, Cols: cols})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, append([]byte("r"), payload...))
}

// watchResize sends an updated window size whenever the terminal reports
// SIGWINCH, returning a stop function.
func watchResize(conn *websocket.Conn, fd int) func() {
	sigCh := make(chan os.Signal, 1)
	notifyWinch(sigCh)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				sendResize(conn, fd)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
