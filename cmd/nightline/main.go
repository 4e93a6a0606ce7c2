package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/nightline/internal/daemon"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/setup"
	"github.com/msageha/nightline/internal/status"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "report":
		runReport(os.Args[2:])
	case "metrics":
		runMetrics(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	case "version":
		fmt.Printf("nightline %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func mustBrokerDir() string {
	dir := findBrokerDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .nightline/ directory not found. Run 'nightline setup <dir>' first.")
		os.Exit(1)
	}
	return dir
}

func runDaemon(_ []string) {
	d, err := daemon.New(mustBrokerDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: nightline setup <dir>")
		os.Exit(1)
	}
	base, err := setup.Run(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
	fmt.Printf("Give operators %s\n", filepath.Join(base, "keys", setup.PublicKeyFile))
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: nightline status [--json]\n", a)
			os.Exit(1)
		}
	}
	if err := status.Run(mustBrokerDir(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runReport(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: nightline report <help|query> [text|structured]")
		os.Exit(1)
	}
	form := ""
	if len(args) == 2 {
		form = args[1]
	}
	if err := status.Report(mustBrokerDir(), args[0], form, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
}

func runMetrics(_ []string) {
	if err := status.Metrics(mustBrokerDir(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
		os.Exit(1)
	}
}

func runStop(_ []string) {
	if err := status.Shutdown(mustBrokerDir()); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown requested")
}

func runAudit(args []string) {
	if len(args) != 1 || args[0] != "verify" {
		fmt.Fprintln(os.Stderr, "usage: nightline audit verify")
		os.Exit(1)
	}
	path := filepath.Join(mustBrokerDir(), "logs", "audit"+events.LogFileExtension)
	total, valid, err := events.VerifyAuditLog(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d/%d entries valid\n", valid, total)
	if valid != total {
		os.Exit(2)
	}
}

func findBrokerDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `nightline %s, anonymous chat broker

Usage: nightline <command> [options]

Broker:
  setup <dir>              Initialize .nightline/ with config and keys
  daemon                   Run the broker in the foreground
  stop                     Ask a running broker to shut down
  status [--json]          Show broker and backend status

Inspection:
  report <query> [form]    Admin report (see 'report help')
  metrics                  Show broker metrics
  audit verify             Check audit log checksums

  version                  Show version
  help                     Show this help

`, version)
}
