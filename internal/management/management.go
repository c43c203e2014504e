// Package management implements the /manage control surface: poll
// snapshots, kill requests, and unsolicited state-change notifications
// (the latter pushed directly by the registry).
package management

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/registry"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/wire"
)

// Channel serves one management peer's request/response loop.
type Channel struct {
	registry *registry.Registry
	log      *logging.Logger
}

// New constructs a Channel backed by the given registry.
func New(r *registry.Registry, log *logging.Logger) *Channel {
	return &Channel{registry: r, log: log}
}

// Serve loops reading JSON requests from peer until it disconnects.
// Malformed or unrecognized requests are silently skipped; the channel
// stays open.
func (c *Channel) Serve(peer session.Peer) {
	for {
		msg, err := peer.Recv()
		if err != nil {
			return
		}
		c.handle(peer, msg)
	}
}

func (c *Channel) handle(peer session.Peer, raw string) {
	var req wire.ManagementRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		c.log.Debug("bad management request", logging.F("err", err.Error()))
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	switch req.Type {
	case "poll":
		c.respondPoll(peer, requestID)
	case "kill":
		c.respondKill(peer, req.SessionID, requestID)
	default:
		// unknown type: skip, keep the channel open
	}
}

func (c *Channel) respondPoll(peer session.Peer, requestID string) {
	resp := wire.NewPollResponse(c.registry.Snapshot(), requestID)
	c.send(peer, resp)
}

func (c *Channel) respondKill(peer session.Peer, sessionID, requestID string) {
	s, ok := c.registry.Lookup(sessionID)
	if !ok {
		c.send(peer, wire.KillResponse{
			Response:  "kill",
			Result:    "error",
			SessionID: sessionID,
			Message:   "sessionID not found",
			RequestID: requestID,
		})
		return
	}

	if err := s.Kill(); err != nil {
		c.log.Warn("kill signal failed", logging.F("session", sessionID, "err", err.Error()))
	}

	c.send(peer, wire.KillResponse{
		Response:  "kill",
		Result:    "success",
		SessionID: sessionID,
		RequestID: requestID,
	})
}

func (c *Channel) send(peer session.Peer, v any) {
	data, err := wire.Marshal(v)
	if err != nil {
		c.log.Error("marshal management response failed", logging.F("err", err.Error()))
		return
	}
	if err := peer.Send(string(data)); err != nil {
		c.log.Debug("management send failed", logging.F("err", err.Error()))
	}
}
