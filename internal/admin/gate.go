// Package admin implements the in-band admin sub-protocol and the read-only
// report facility it exposes.
package admin

import (
	"strings"

	"github.com/msageha/nightline/internal/model"
)

type Verdict int

const (
	// Pass means the message is ordinary chat and should be routed.
	Pass Verdict = iota
	// Prompt means the sender asked for admin access; reply with the password prompt.
	Prompt
	// Promoted means the candidate gave the passphrase; reply with the welcome.
	Promoted
	// Swallow means the message belongs to the admin exchange and gets no reply.
	Swallow
	// Query means the sender is an admin and the text is a report request.
	Query
)

// Gate tracks one pending candidate and one admin per backend. It is used
// from the router goroutine only.
type Gate struct {
	trigger    string
	passphrase string
	candidate  map[string]string
	admin      map[string]string
}

func NewGate(cfg model.AdminConfig) *Gate {
	g := &Gate{
		candidate: make(map[string]string),
		admin:     make(map[string]string),
	}
	g.SetSecrets(cfg)
	return g
}

// SetSecrets replaces the trigger and passphrase. When either changes, every
// admin and pending candidate loses access and must authenticate again.
func (g *Gate) SetSecrets(cfg model.AdminConfig) {
	trigger := strings.TrimSpace(cfg.Trigger)
	if trigger == g.trigger && cfg.Passphrase == g.passphrase {
		return
	}
	g.trigger = trigger
	g.passphrase = cfg.Passphrase
	clear(g.candidate)
	clear(g.admin)
}

// Enabled reports whether a trigger phrase is configured.
func (g *Gate) Enabled() bool {
	return g.trigger != "" && g.passphrase != ""
}

// Check classifies one inbound message from addr.
func (g *Gate) Check(addr model.Address, text string) Verdict {
	if !g.Enabled() {
		return Pass
	}
	if strings.TrimSpace(text) == g.trigger {
		g.candidate[addr.Backend] = addr.ID
		return Prompt
	}
	if id, ok := g.candidate[addr.Backend]; ok && id == addr.ID {
		delete(g.candidate, addr.Backend)
		if text == g.passphrase {
			g.admin[addr.Backend] = addr.ID
			return Promoted
		}
		return Swallow
	}
	if g.isAdmin(addr) {
		return Query
	}
	return Pass
}

func (g *Gate) isAdmin(addr model.Address) bool {
	id, ok := g.admin[addr.Backend]
	return ok && id == addr.ID
}
