package client

import "os"

// notifyWinch is a no-op on Windows: there is no SIGWINCH. An initial
// resize is still sent once at attach time.
func notifyWinch(ch chan os.Signal) {}
