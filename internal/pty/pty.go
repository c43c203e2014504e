//go:build !windows

// Package pty wraps a single child shell attached to a pseudo-terminal
// master file descriptor: spawn, read, write, resize, signal, and reap.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Sentinel errors raised by PTY operations.
var (
	ErrSpawnFailed   = errors.New("pty: spawn failed")
	ErrClosed        = errors.New("pty: closed")
	ErrBadDimensions = errors.New("pty: non-positive rows/cols")
)

// defaultShell is used when the SHELL environment variable is unset.
const defaultShell = "/bin/bash"

// PTY owns one child process attached to one PTY master file descriptor.
type PTY struct {
	master *os.File
	cmd    *exec.Cmd
	pid    int

	mu     sync.Mutex
	closed bool
	alive  bool
}

// Spawn allocates a PTY pair and execs the preferred shell as its slave-side
// session leader. The parent retains the master file descriptor.
//
// shell, if empty, falls back to $SHELL and then defaultShell. The working
// directory is $HOME when set.
func Spawn(shell string) (*PTY, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if home := os.Getenv("HOME"); home != "" {
		cmd.Dir = home
	} else if u, err := user.Current(); err == nil && u.HomeDir != "" {
		cmd.Dir = u.HomeDir
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	return &PTY{
		master: master,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		alive:  true,
	}, nil
}

// ReadChunk blocks until data is available on the master and reads up to
// len(buf) bytes into buf. It returns io.EOF once the slave side is closed
// and drained.
func (p *PTY) ReadChunk(buf []byte) (int, error) {
	n, err := p.master.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) || isClosedErr(err) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// Write writes bytes to the master, retrying partial writes until complete
// or the descriptor is closed.
func (p *PTY) Write(data []byte) error {
	for len(data) > 0 {
		n, err := p.master.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Resize issues a TIOCSWINSZ-equivalent window size update.
func (p *PTY) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return ErrBadDimensions
	}
	p.mu.Lock()
	closed := p.closed
	master := p.master
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return pty.Setsize(master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Signal sends a UNIX signal to the child process.
func (p *PTY) Signal(sig unix.Signal) error {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid <= 0 {
		return ErrClosed
	}
	return unix.Kill(pid, sig)
}

// Wait blocks until the child is reaped. Idempotent after the first call
// returns: subsequent calls observe the cached exit state.
func (p *PTY) Wait() error {
	p.mu.Lock()
	reaped := !p.alive
	p.mu.Unlock()
	if reaped {
		if state := p.cmd.ProcessState; state != nil && !state.Success() {
			return &exec.ExitError{ProcessState: state}
		}
		return nil
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	return err
}

// Alive reports whether the child has not yet been reaped.
func (p *PTY) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// PID returns the child's process ID.
func (p *PTY) PID() int {
	return p.pid
}

// Fd returns the master file descriptor.
func (p *PTY) Fd() uintptr {
	return p.master.Fd()
}

// Close closes the master file descriptor. It does not itself send a signal
// to the child; callers that want to terminate the shell call Signal first.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.master.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, unix.EBADF)
}
