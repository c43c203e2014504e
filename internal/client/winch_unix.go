//go:build !windows

package client

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifyWinch registers ch to receive SIGWINCH, the terminal resize signal.
func notifyWinch(ch chan os.Signal) {
	signal.Notify(ch, unix.SIGWINCH)
}
