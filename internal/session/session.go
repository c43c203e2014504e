// Package session implements the shell-session state machine: one
// PtyProcess, one output pump, one reaper, and a replaceable client peer.
package session

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/pty"
	"github.com/termbridge/termbridge/internal/wire"
)

const sigterm = unix.SIGTERM

// State names the position of a Session in its lifecycle state machine.
type State int

const (
	Spawning State = iota
	Attached
	Detached
	Dead
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// readChunkSize is the reference output-pump chunk size from the PTY master.
const readChunkSize = 1024

// Errors returned by Session operations.
var (
	ErrAlreadyAttached = errors.New("session: peer already attached")
	ErrNotOpen         = errors.New("session: shell is not open")
)

// Session wraps one PtyProcess and the single peer currently attached to it.
type Session struct {
	id  string
	pty *pty.PTY
	log *logging.Logger

	onReap func(id string)

	mu         sync.Mutex
	peer       Peer
	attached   bool
	shellOpen  bool
	state      State
}

// New spawns the PTY, attaches the given peer, starts the output pump and
// reaper, and sends the SessionID greeting as the peer's first message.
//
// onReap is invoked exactly once, after the child is reaped, so the caller
// (normally the Registry) can unregister the session and broadcast a state
// change without Session importing Registry.
func New(id string, peer Peer, shell string, log *logging.Logger, onReap func(id string)) (*Session, error) {
	p, err := pty.Spawn(shell)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        id,
		pty:       p,
		log:       log.Sub(id),
		onReap:    onReap,
		peer:      peer,
		attached:  true,
		shellOpen: true,
		state:     Attached,
	}

	if err := peer.Send(id); err != nil {
		s.log.Warn("greeting send failed", logging.F("err", err.Error()))
	}

	go s.pump()
	go s.reap()

	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// ShellOpen reports whether the child has not yet been reaped.
func (s *Session) ShellOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellOpen
}

// PeerAttached reports whether a peer is currently attached.
func (s *Session) PeerAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Attach replaces the current peer. Precondition: shellOpen && !attached;
// callers (the Dispatcher) are expected to have already rejected an
// already-attached session before calling this.
func (s *Session) Attach(peer Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shellOpen {
		return ErrNotOpen
	}
	if s.attached {
		return ErrAlreadyAttached
	}
	s.peer = peer
	s.attached = true
	s.state = Attached
	return nil
}

// currentPeer returns the attached peer, or nil, under the session lock.
func (s *Session) currentPeer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return nil
	}
	return s.peer
}

// detach marks the peer gone without closing the PTY.
func (s *Session) detach() {
	s.mu.Lock()
	s.attached = false
	if s.shellOpen {
		s.state = Detached
	}
	s.mu.Unlock()
}

// Serve reads client frames from the currently attached peer until it
// disconnects, dispatching each per the k/r opcode protocol. It never
// terminates the shell; it only detaches.
func (s *Session) Serve() {
	for {
		peer := s.currentPeer()
		if peer == nil {
			return
		}
		msg, err := peer.Recv()
		if err != nil {
			s.detach()
			return
		}
		s.handleInput(msg)
	}
}

func (s *Session) handleInput(msg string) {
	if msg == "" {
		return
	}
	switch msg[0] {
	case 'k':
		payload := msg[1:]
		if payload == "" {
			return
		}
		if err := s.pty.Write([]byte(payload)); err != nil {
			s.log.Debug("write to pty failed", logging.F("err", err.Error()))
		}
	case 'r':
		var resize wire.ResizePayload
		if err := json.Unmarshal([]byte(msg[1:]), &resize); err != nil {
			return
		}
		if resize.Rows <= 0 || resize.Cols <= 0 {
			return
		}
		if err := s.pty.Resize(resize.Rows, resize.Cols); err != nil {
			s.log.Debug("resize failed", logging.F("err", err.Error()))
		}
	default:
		// unknown opcode, ignore
	}
}

// Kill sends SIGTERM to the child shell.
func (s *Session) Kill() error {
	return s.pty.Signal(sigterm)
}

// pump reads PTY output in bounded chunks and forwards it to whichever peer
// is attached, dropping silently when there is none or the send fails. It
// carries an incomplete trailing UTF-8 sequence into the next read rather
// than emitting replacement characters. Once the PTY reports closed, it
// closes the PTY master and returns.
func (s *Session) pump() {
	defer s.pty.Close()

	buf := make([]byte, readChunkSize)
	var pending []byte

	for {
		n, err := s.pty.ReadChunk(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			text, tail := decodeLossyKeepTail(chunk)
			pending = tail

			if text != "" {
				if peer := s.currentPeer(); peer != nil {
					if sendErr := peer.Send(text); sendErr != nil {
						s.log.Debug("pump send dropped", logging.F("err", sendErr.Error()))
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.log.Debug("pump read error", logging.F("err", err.Error()))
			return
		}
	}
}

// decodeLossyKeepTail splits off an incomplete multi-byte UTF-8 sequence at
// the end of data, returning the bytes before it as text and the sequence as
// the tail to carry forward into the next read, so a multi-byte rune split
// across a chunk boundary is never mapped to a replacement character.
// Invalid bytes elsewhere in data are passed through in text unchanged.
func decodeLossyKeepTail(data []byte) (text string, tail []byte) {
	end := len(data)
	if end == 0 {
		return "", nil
	}

	limit := end - utf8.UTFMax
	if limit < 0 {
		limit = 0
	}

	split := end
	for i := end - 1; i >= limit; i-- {
		b := data[i]
		if b < 0x80 {
			break // ASCII: no multi-byte rune can start here
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(data[i:end]) {
				split = i
			}
			break
		}
		// continuation byte, keep scanning backward
	}

	if split == end {
		return string(data), nil
	}
	return string(data[:split]), append([]byte(nil), data[split:]...)
}

// reap blocks until the child exits, marks the session dead, and closes
// whatever peer is currently attached so its Serve() loop unblocks out of
// Recv() instead of leaking forever on a shell that's already gone.
func (s *Session) reap() {
	_ = s.pty.Wait()

	s.mu.Lock()
	s.shellOpen = false
	s.state = Dead
	var peer Peer
	if s.attached {
		peer = s.peer
		s.attached = false
	}
	s.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			s.log.Debug("peer close after reap failed", logging.F("err", err.Error()))
		}
	}

	if s.onReap != nil {
		s.onReap(s.id)
	}
}
