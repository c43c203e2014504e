// Package daemon owns the process lifecycle: PID-file locking, the two
// listeners (message channel and content server), and graceful shutdown on
// SIGINT/SIGTERM. It holds no session state of its own — that all lives in
// the registry — so a restart always starts with an empty directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/contentserver"
	"github.com/termbridge/termbridge/internal/dispatch"
	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/management"
	"github.com/termbridge/termbridge/internal/ratelimit"
	"github.com/termbridge/termbridge/internal/registry"
	"github.com/termbridge/termbridge/internal/token"
)

const shutdownGrace = 5 * time.Second

// Daemon coordinates the registry, token vault, dispatcher, and content
// server behind two TCP listeners for the lifetime of one process.
type Daemon struct {
	cfg config.Config
	log *logging.Logger

	Registry *registry.Registry
	Vault    *token.Vault
	limiter  *ratelimit.Limiter

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	shutdownOnce sync.Once

	addrMu      sync.Mutex
	termAddr    string
	contentAddr string
}

// New constructs a Daemon; it performs no I/O until Start is called.
func New(cfg config.Config, log *logging.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New()
	}

	return &Daemon{
		cfg:       cfg,
		log:       log,
		Registry:  registry.New(log),
		Vault:     token.NewVault(),
		limiter:   limiter,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start acquires the PID lock, opens both listeners, installs signal
// handling, and blocks until shutdown. It returns nil on a clean shutdown.
func (d *Daemon) Start() error {
	if running, pid := IsDaemonRunning(); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := WritePID(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer Cleanup()

	mgmt := management.New(d.Registry, d.log)
	disp := dispatch.New(dispatch.Config{
		Host:              d.cfg.Host,
		ContentServerPort: d.cfg.ContentServerPort,
		Shell:             d.cfg.Shell,
	}, d.Registry, d.Vault, mgmt, d.limiter, d.log)

	content, err := contentserver.New(contentserver.Config{
		Host:               d.cfg.Host,
		MessageChannelPort: d.cfg.MessageChannelPort,
	}, d.Vault, d.log)
	if err != nil {
		return fmt.Errorf("failed to initialize content server: %w", err)
	}

	termAddr := net.JoinHostPort(d.cfg.Host, fmt.Sprint(d.cfg.MessageChannelPort))
	// The content server is always loopback-bound; only the message
	// channel listens on the configured host.
	contentAddr := net.JoinHostPort("127.0.0.1", fmt.Sprint(d.cfg.ContentServerPort))

	termLn, err := net.Listen("tcp", termAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", termAddr, err)
	}
	contentLn, err := net.Listen("tcp", contentAddr)
	if err != nil {
		termLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", contentAddr, err)
	}

	d.addrMu.Lock()
	d.termAddr = termLn.Addr().String()
	d.contentAddr = contentLn.Addr().String()
	d.addrMu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			d.log.Info("received shutdown signal")
			d.Shutdown()
		case <-d.ctx.Done():
		}
	}()

	d.log.Info("daemon started", logging.F(
		"pid", fmt.Sprint(os.Getpid()),
		"term", termAddr,
		"content", contentAddr,
	))

	if !d.cfg.LogJSON {
		printQR(fmt.Sprintf("http://%s/", contentLn.Addr().String()))
	}

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return serveUntilDone(gctx, disp.Handler(), termLn) })
	g.Go(func() error { return serveUntilDone(gctx, content.Handler(), contentLn) })

	return g.Wait()
}

// printQR writes the content-server URL and an ASCII QR code of it to
// stdout.
func printQR(url string) {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Printf("\n  Open a terminal in your browser: %s\n\n", url)
	fmt.Print(qr.ToSmallString(false))
	fmt.Println()
}

// serveUntilDone runs an HTTP server on ln until ctx is cancelled, then
// shuts it down gracefully: new connections stop, already-hijacked
// websocket connections (the live shells' message channels) are left
// alone rather than force-closed.
func serveUntilDone(ctx context.Context, handler http.Handler, ln net.Listener) error {
	srv := &http.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown cancels the daemon's context, unblocking Start. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.log.Info("shutting down daemon")
		d.cancel()
		if d.limiter != nil {
			d.limiter.Close()
		}
	})
}

// Context returns the daemon's lifetime context.
func (d *Daemon) Context() context.Context { return d.ctx }

// Uptime reports how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration { return time.Since(d.startTime) }

// TermAddr returns the bound message-channel listener address, valid once
// Start has progressed past listener setup. Empty until then.
func (d *Daemon) TermAddr() string {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.termAddr
}

// ContentAddr returns the bound content-server listener address, valid
// once Start has progressed past listener setup. Empty until then.
func (d *Daemon) ContentAddr() string {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.contentAddr
}
