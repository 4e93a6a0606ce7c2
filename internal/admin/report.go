package admin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/nightline/internal/model"
)

const (
	HelpText = "NL chat debug data. request commands: 'service_status', 'clients', " +
		"'active_clients', 'address_assoc' or 'ring_queue'. form types: 'text' or 'structured' ('json_data' also accepted)"
	UsageHint = "Bad command! See 'help' for usage."
)

// SnapshotSource hands out a consistent copy of router state.
type SnapshotSource interface {
	Snapshot() model.Snapshot
}

type Reporter struct {
	src SnapshotSource
	obs *Obscurer
}

func NewReporter(src SnapshotSource, obs *Obscurer) *Reporter {
	if obs == nil {
		obs = NewObscurer()
	}
	return &Reporter{src: src, obs: obs}
}

type form int

const (
	formText form = iota
	formStructured
)

func parseForm(s string) (form, bool) {
	switch s {
	case "text":
		return formText, true
	case "structured", "json_data":
		return formStructured, true
	default:
		return 0, false
	}
}

type assocRow struct {
	UUID    string `json:"UUID"`
	Service string `json:"service"`
	Address string `json:"address"`
}

type ringRow struct {
	ID      uint64 `json:"ID"`
	Service string `json:"service"`
	Address string `json:"address"`
	Texts   int    `json:"texts"`
	Created string `json:"created"`
}

// Request answers one admin command line.
func (r *Reporter) Request(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "help" {
		return HelpText
	}
	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		return UsageHint
	}
	f, ok := parseForm(fields[1])
	if !ok {
		return UsageHint
	}

	snap := r.src.Snapshot()
	switch fields[0] {
	case "service_status":
		if f == formStructured {
			return marshal(nonNil(snap.Services))
		}
		var b strings.Builder
		b.WriteString("Service status:\n")
		for _, s := range snap.Services {
			fmt.Fprintf(&b, "%s: %s\n", s.Name, s.Status)
		}
		return b.String()
	case "clients":
		return idList("Connected clients:\n", snap.Connected(), f)
	case "active_clients":
		return idList("Active clients:\n", snap.Active(), f)
	case "address_assoc":
		rows := make([]assocRow, 0, len(snap.Associations))
		for _, a := range snap.Associations {
			rows = append(rows, assocRow{UUID: a.Operator, Service: a.Address.Backend, Address: r.obs.Hash(a.Address.ID)})
		}
		if f == formStructured {
			return marshal(rows)
		}
		var b strings.Builder
		b.WriteString("Address client associations:\n")
		for _, row := range rows {
			fmt.Fprintf(&b, "UUID:%s. Service:%s.\tAddress:%s.\n", row.UUID, row.Service, row.Address)
		}
		b.WriteString("\n")
		return b.String()
	case "ring_queue":
		rows := make([]ringRow, 0, len(snap.Rings))
		for _, e := range snap.Rings {
			rows = append(rows, ringRow{
				ID:      e.ID,
				Service: e.Address.Backend,
				Address: r.obs.Hash(e.Address.ID),
				Texts:   e.Texts,
				Created: e.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		if f == formStructured {
			return marshal(rows)
		}
		var b strings.Builder
		b.WriteString("Ring queue:\n")
		for _, row := range rows {
			fmt.Fprintf(&b, "ID:%d. Service:%s.\tAddress:%s.\n", row.ID, row.Service, row.Address)
		}
		b.WriteString("\n")
		return b.String()
	default:
		return UsageHint
	}
}

func idList(header string, ids []string, f form) string {
	if f == formStructured {
		return marshal(nonNil(ids))
	}
	var b strings.Builder
	b.WriteString(header)
	for _, id := range ids {
		b.WriteString(id)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("marshal report: %v", err)
	}
	return string(data)
}
