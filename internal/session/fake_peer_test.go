package session

import (
	"errors"
	"sync"
)

// fakePeer is an in-memory session.Peer used by the package's own tests.
type fakePeer struct {
	mu     sync.Mutex
	sent   []string
	recvCh chan string
	closed bool
	origin string
}

func newFakePeer() *fakePeer {
	return &fakePeer{recvCh: make(chan string, 8)}
}

func (f *fakePeer) Recv() (string, error) {
	msg, ok := <-f.recvCh
	if !ok {
		return "", errors.New("fakePeer: closed")
	}
	return msg, nil
}

func (f *fakePeer) Send(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fakePeer: send on closed peer")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recvCh)
	}
	return nil
}

func (f *fakePeer) OriginHeader() string { return f.origin }

// isClosed reports whether Close has been called on this peer.
func (f *fakePeer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// sentCopy returns a snapshot of messages sent so far.
func (f *fakePeer) sentCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// deliver simulates the peer receiving a client->server frame. It does not
// close recvCh, so the fake keeps behaving like a live connection.
func (f *fakePeer) deliver(msg string) {
	f.recvCh <- msg
}

// disconnect simulates the remote side dropping the connection: Recv starts
// returning an error, as a real closed socket would.
func (f *fakePeer) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recvCh)
	}
}
