package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/logging"
)

func testLogger() *logging.Logger { return logging.WithComponent("daemon-test") }

// withIsolatedHome points HOME at a temp dir so PID-file tests never touch
// the real user's state directory.
func withIsolatedHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	old := os.Getenv("HOME")
	os.Setenv("HOME", home)
	t.Cleanup(func() { os.Setenv("HOME", old) })
}

func TestStartThenShutdown(t *testing.T) {
	withIsolatedHome(t)

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.ContentServerPort = 0
	cfg.MessageChannelPort = 0
	cfg.Shell = "/bin/sh"

	d := New(cfg, testLogger())

	done := make(chan error, 1)
	go func() { done <- d.Start() }()

	deadline := time.Now().Add(3 * time.Second)
	for d.TermAddr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.TermAddr() == "" {
		t.Fatal("daemon never reported a bound term listener address")
	}

	if _, err := os.Stat(GetPIDPath()); err != nil {
		t.Errorf("expected PID file to exist while running: %v", err)
	}

	d.Shutdown()
	d.Shutdown() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned error after shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Start to return after Shutdown")
	}

	if _, err := os.Stat(GetPIDPath()); !os.IsNotExist(err) {
		t.Error("expected PID file to be removed after shutdown")
	}
}

func TestStartRejectsSecondInstance(t *testing.T) {
	withIsolatedHome(t)

	if err := WritePID(); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	defer RemovePID()

	cfg := config.Default()
	cfg.ContentServerPort = 0
	cfg.MessageChannelPort = 0
	d := New(cfg, testLogger())

	if err := d.Start(); err == nil {
		t.Fatal("expected Start to refuse a second instance while our own PID is alive")
	}
}

func TestGetStateDirUnderHome(t *testing.T) {
	withIsolatedHome(t)
	home := os.Getenv("HOME")
	if got := GetStateDir(); got != filepath.Join(home, DefaultStateDir) {
		t.Errorf("unexpected state dir: %s", got)
	}
}
