// Package contentserver is a thin reference implementation of the
// out-of-scope content-server collaborator: it mints an access key per
// page render, embeds it with the message-channel port into an HTML page,
// and serves the (equally out-of-scope) browser-side static assets. It is
// bound to loopback only.
package contentserver

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/token"
)

//go:embed static/*
var staticFiles embed.FS

// Config carries the parameters substituted into the served pages.
type Config struct {
	Host               string
	MessageChannelPort int
}

// pageData is substituted into term.html.tmpl / manage.html.tmpl. Fields
// are JS-encoded via template.JSEscaper so values land as valid JS literals
// inside the inline <script> block, not raw HTML text.
type pageData struct {
	AccessKey template.JS
	SessionID template.JS
	WSPort    template.JS
	Host      template.JS
}

// Server serves the loopback-only HTML entry points.
type Server struct {
	cfg   Config
	vault *token.Vault
	log   *logging.Logger

	termTmpl   *template.Template
	manageTmpl *template.Template
	assets     http.Handler
}

// New parses the embedded templates and constructs a Server.
func New(cfg Config, vault *token.Vault, log *logging.Logger) (*Server, error) {
	termTmpl, err := template.ParseFS(staticFiles, "static/term.html.tmpl")
	if err != nil {
		return nil, err
	}
	manageTmpl, err := template.ParseFS(staticFiles, "static/manage.html.tmpl")
	if err != nil {
		return nil, err
	}
	assetsFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		vault:      vault,
		log:        log,
		termTmpl:   termTmpl,
		manageTmpl: manageTmpl,
		assets:     http.FileServer(http.FS(assetsFS)),
	}, nil
}

// Handler returns the http.Handler serving / and /manage plus static assets.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleTerm)
	mux.HandleFunc("/manage", s.handleManage)
	mux.Handle("/Terminal.js", s.assets)
	mux.Handle("/Terminal.css", s.assets)
	mux.Handle("/Manage.js", s.assets)
	return mux
}

func (s *Server) handleTerm(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		sessionID = "new"
	}

	s.render(w, s.termTmpl, sessionID)
}

func (s *Server) handleManage(w http.ResponseWriter, r *http.Request) {
	s.render(w, s.manageTmpl, "")
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, sessionID string) {
	key, err := s.vault.Issue()
	if err != nil {
		s.log.Error("access key mint failed", logging.F("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := pageData{
		AccessKey: template.JS(`"` + template.JSEscaper(string(key)) + `"`),
		SessionID: template.JS(`"` + template.JSEscaper(sessionID) + `"`),
		WSPort:    template.JS(strconv.Itoa(s.cfg.MessageChannelPort)),
		Host:      template.JS(`"` + template.JSEscaper(s.cfg.Host) + `"`),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.log.Error("template execute failed", logging.F("err", err.Error()))
	}
}
