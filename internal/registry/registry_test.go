package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/session"
)

type fakeMgmtPeer struct {
	sent chan string
}

func newFakeMgmtPeer() *fakeMgmtPeer {
	return &fakeMgmtPeer{sent: make(chan string, 8)}
}

func (f *fakeMgmtPeer) Recv() (string, error) { return "", errors.New("unused in test") }
func (f *fakeMgmtPeer) Send(msg string) error {
	f.sent <- msg
	return nil
}
func (f *fakeMgmtPeer) Close() error         { return nil }
func (f *fakeMgmtPeer) OriginHeader() string { return "" }

type termPeer struct {
	sent   chan string
	recvCh chan string
}

func newTermPeer() *termPeer {
	return &termPeer{sent: make(chan string, 64), recvCh: make(chan string, 8)}
}
func (p *termPeer) Recv() (string, error) {
	msg, ok := <-p.recvCh
	if !ok {
		return "", errors.New("closed")
	}
	return msg, nil
}
func (p *termPeer) Send(msg string) error { p.sent <- msg; return nil }
func (p *termPeer) Close() error          { return nil }
func (p *termPeer) OriginHeader() string  { return "" }

func testLogger() *logging.Logger { return logging.WithComponent("registry-test") }

func TestNewSessionIDIsEightHexAndUnique(t *testing.T) {
	r := New(testLogger())
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := r.NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		if len(id) != 8 {
			t.Fatalf("expected 8 hex chars, got %d: %q", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate session ID %q", id)
		}
		seen[id] = true
	}
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := New(testLogger())
	peer := newTermPeer()
	s, err := session.New("aaaaaaaa", peer, "/bin/sh", testLogger(), r.OnReap)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Kill()

	r.Register(s)
	if got, ok := r.Lookup("aaaaaaaa"); !ok || got != s {
		t.Fatal("expected lookup to find the registered session")
	}

	r.Unregister("aaaaaaaa")
	if _, ok := r.Lookup("aaaaaaaa"); ok {
		t.Fatal("expected lookup to fail after unregister")
	}
}

func TestSnapshotReflectsConnectedState(t *testing.T) {
	r := New(testLogger())
	peer := newTermPeer()
	s, err := session.New("bbbbbbbb", peer, "/bin/sh", testLogger(), r.OnReap)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Kill()
	r.Register(s)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].SessionID != "bbbbbbbb" || !snap[0].Connected {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestOnReapUnregistersAndBroadcasts(t *testing.T) {
	r := New(testLogger())
	mgmt := newFakeMgmtPeer()
	r.SubscribeMgmt(mgmt)
	defer r.UnsubscribeMgmt(mgmt)

	peer := newTermPeer()
	s, err := session.New("cccccccc", peer, "/bin/sh", testLogger(), r.OnReap)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	r.Register(s)

	if err := s.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case msg := <-mgmt.sent:
		if msg == "" {
			t.Error("expected a non-empty broadcast message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for broadcast after reap")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Lookup("cccccccc"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was never unregistered after reap")
}
