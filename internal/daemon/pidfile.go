package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

const (
	// DefaultStateDir holds only the PID file: the daemon persists no
	// session state across restarts.
	DefaultStateDir = ".termbridge"
	// PIDFileName is the name of the PID file.
	PIDFileName = "termbridge.pid"
)

// GetStateDir returns the path to the state directory.
func GetStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), DefaultStateDir)
	}
	return filepath.Join(home, DefaultStateDir)
}

// GetPIDPath returns the path to the PID file.
func GetPIDPath() string {
	return filepath.Join(GetStateDir(), PIDFileName)
}

// EnsureStateDir creates the state directory if it doesn't exist.
func EnsureStateDir() error {
	if err := os.MkdirAll(GetStateDir(), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

// WritePID writes the current process PID to the PID file.
func WritePID() error {
	if err := EnsureStateDir(); err != nil {
		return err
	}
	return os.WriteFile(GetPIDPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

// ReadPID reads the PID from the PID file.
func ReadPID() (int, error) {
	data, err := os.ReadFile(GetPIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// RemovePID removes the PID file.
func RemovePID() error {
	return os.Remove(GetPIDPath())
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// IsDaemonRunning reports whether a daemon process is alive, cleaning up a
// stale PID file when it is not.
func IsDaemonRunning() (bool, int) {
	pid, err := ReadPID()
	if err != nil {
		return false, 0
	}
	if !IsProcessRunning(pid) {
		RemovePID()
		return false, 0
	}
	return true, pid
}

// Cleanup removes all daemon state files.
func Cleanup() {
	RemovePID()
}
