// Package status implements the CLI commands that query a running broker.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/msageha/nightline/internal/lock"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/uds"
)

// LockPath is where the daemon records its PID, relative to the broker dir.
var LockPath = filepath.Join("locks", "broker.lock")

type BrokerStatus struct {
	Daemon   DaemonStatus          `json:"daemon"`
	Services []model.ServiceStatus `json:"services,omitempty"`
}

type DaemonStatus struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Operators int    `json:"operators"`
	Rings     int    `json:"rings"`
}

func client(dir string) *uds.Client {
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
}

// Run prints the broker's liveness and backend status.
func Run(dir string, jsonOutput bool, w io.Writer) error {
	s := Check(dir)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printStatus(w, s)
	return nil
}

// Check asks the daemon for its status. A daemon that does not answer is
// reported as stopped, with the PID from a leftover lock file if any.
func Check(dir string) BrokerStatus {
	c := client(dir)
	var ping uds.PingResult
	if err := c.Call(uds.CommandPing, nil, &ping); err != nil {
		s := BrokerStatus{}
		if pid, err := lock.ReadPID(filepath.Join(dir, LockPath)); err == nil {
			s.Daemon.PID = pid
		}
		return s
	}
	s := BrokerStatus{Daemon: DaemonStatus{
		Running:   true,
		PID:       ping.PID,
		StartedAt: ping.StartedAt,
		Operators: ping.Operators,
		Rings:     ping.Rings,
	}}

	var report uds.TextResult
	if err := c.Call(uds.CommandReport, uds.ReportParams{Query: "service_status", Form: "structured"}, &report); err == nil {
		_ = json.Unmarshal([]byte(report.Text), &s.Services)
	}
	return s
}

func printStatus(w io.Writer, s BrokerStatus) {
	if !s.Daemon.Running {
		if s.Daemon.PID != 0 {
			fmt.Fprintf(w, "Broker: not responding (lock held by pid %d)\n", s.Daemon.PID)
			return
		}
		fmt.Fprintln(w, "Broker: stopped")
		return
	}
	fmt.Fprintf(w, "Broker: running pid=%d since %s\n", s.Daemon.PID, s.Daemon.StartedAt)
	fmt.Fprintf(w, "Operators: %d\nRings waiting: %d\n", s.Daemon.Operators, s.Daemon.Rings)

	if len(s.Services) == 0 {
		fmt.Fprintln(w, "\nServices: none")
		return
	}
	fmt.Fprintln(w, "\nServices:")
	for _, svc := range s.Services {
		fmt.Fprintf(w, "  %-14s  %s\n", svc.Name, svc.Status)
	}
}

// Report prints one admin report, the same text an admin gets in chat.
func Report(dir, query, form string, w io.Writer) error {
	var res uds.TextResult
	if err := client(dir).Call(uds.CommandReport, uds.ReportParams{Query: query, Form: form}, &res); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, res.Text)
	return err
}

// Metrics prints the broker's current metric values.
func Metrics(dir string, w io.Writer) error {
	var points []metrics.Point
	if err := client(dir).Call(uds.CommandMetrics, nil, &points); err != nil {
		return err
	}
	for _, p := range points {
		name := p.Name
		if p.Labels != "" {
			name += "{" + p.Labels + "}"
		}
		if p.Count > 0 {
			fmt.Fprintf(w, "%s count=%d sum=%g\n", name, p.Count, p.Value)
			continue
		}
		fmt.Fprintf(w, "%s %g\n", name, p.Value)
	}
	return nil
}

// Shutdown asks the daemon to stop.
func Shutdown(dir string) error {
	return client(dir).Call(uds.CommandShutdown, nil, nil)
}
