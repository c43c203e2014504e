// Package dispatch accepts incoming /term and /manage websocket
// connections, enforces the origin allow-list and the rate limiter,
// consumes an access key, and routes to the terminal or management
// handler.
package dispatch

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/management"
	"github.com/termbridge/termbridge/internal/ratelimit"
	"github.com/termbridge/termbridge/internal/registry"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/token"
	"github.com/termbridge/termbridge/internal/wsconn"
)

// Config carries the parameters that shape origin checking.
type Config struct {
	Host              string
	ContentServerPort int
	Shell             string
}

type handshake struct {
	AccessKey string `json:"accessKey"`
	SessionID string `json:"sessionID"`
}

var errMissingAccessKey = errors.New("dispatch: missing accessKey")

// Dispatcher is the single entry point for both message-channel paths.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	vault    *token.Vault
	mgmt     *management.Channel
	limiter  *ratelimit.Limiter
	log      *logging.Logger

	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
}

// New constructs a Dispatcher. limiter may be nil to disable rate limiting.
func New(cfg Config, reg *registry.Registry, vault *token.Vault, mgmt *management.Channel, limiter *ratelimit.Limiter, log *logging.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:            cfg,
		registry:       reg,
		vault:          vault,
		mgmt:           mgmt,
		limiter:        limiter,
		log:            log,
		allowedOrigins: originAllowList(cfg.ContentServerPort),
	}
	d.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return d.allowedOrigins[origin]
		},
	}
	return d
}

// originAllowList builds the four http/https x localhost/127.0.0.1
// combinations for the configured content-server port.
func originAllowList(port int) map[string]bool {
	p := strconv.Itoa(port)
	return map[string]bool{
		"http://localhost:" + p:   true,
		"https://localhost:" + p:  true,
		"http://127.0.0.1:" + p:   true,
		"https://127.0.0.1:" + p:  true,
	}
}

// Handler returns an http.Handler serving /term and /manage.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/term", d.serveHTTP)
	mux.HandleFunc("/manage", d.serveHTTP)
	return mux
}

func (d *Dispatcher) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if d.limiter != nil && !d.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Origin rejection or a malformed upgrade both end up here; gorilla
		// has already written the HTTP-level failure response.
		return
	}

	peer := wsconn.New(conn, r.Header.Get("Origin"))
	d.onConnection(peer, r.URL.Path)
}

// onConnection implements the common handshake then routes by path.
func (d *Dispatcher) onConnection(peer session.Peer, path string) {
	raw, err := peer.Recv()
	if err != nil {
		peer.Close()
		return
	}

	var h handshake
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		d.log.Debug("bad handshake json", logging.F("err", err.Error()))
		peer.Close()
		return
	}
	if h.AccessKey == "" {
		d.log.Debug("bad handshake", logging.F("err", errMissingAccessKey.Error()))
		peer.Close()
		return
	}
	if !d.vault.Consume(token.Key(h.AccessKey)) {
		peer.Close()
		return
	}

	switch path {
	case "/term":
		d.terminalHandler(peer, h.SessionID)
	case "/manage":
		d.registry.SubscribeMgmt(peer)
		d.mgmt.Serve(peer)
		d.registry.UnsubscribeMgmt(peer)
		peer.Close()
	default:
		peer.Close()
	}
}

func (d *Dispatcher) terminalHandler(peer session.Peer, sessionID string) {
	if sessionID == "" {
		peer.Close()
		return
	}

	if sessionID == "new" {
		id, err := d.registry.NewSessionID()
		if err != nil {
			d.log.Error("session id generation failed", logging.F("err", err.Error()))
			peer.Close()
			return
		}
		s, err := session.New(id, peer, d.cfg.Shell, d.log, d.registry.OnReap)
		if err != nil {
			d.log.Warn("spawn failed", logging.F("err", err.Error()))
			peer.Close()
			return
		}
		d.registry.Register(s)
		d.registry.BroadcastStateChange()
		s.Serve()
		d.registry.BroadcastStateChange()
		return
	}

	s, ok := d.registry.Lookup(sessionID)
	if !ok || s.PeerAttached() {
		peer.Close()
		return
	}
	if err := s.Attach(peer); err != nil {
		peer.Close()
		return
	}
	d.registry.BroadcastStateChange()
	s.Serve()
	d.registry.BroadcastStateChange()
}

// clientIP extracts the remote IP: the first X-Forwarded-For entry, else
// X-Real-IP, whenever either header is present (the headers are not checked
// against a trusted proxy), and otherwise the host part of RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
