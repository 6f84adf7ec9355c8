// Package main implements the loom-dash interactive dashboard.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// snapshot is the machine-readable dump emitted by --robot mode.
type snapshot struct {
	Daemon DaemonHealth `json:"daemon"`
	Runs   []RunRow     `json:"runs"`
	Events []EventRow   `json:"events"`
}

// robotMode outputs a JSON snapshot of the daemon and recent runs, for
// scripts that want dashboard data without a TTY.
func robotMode(ds *DataSource) ([]byte, error) {
	runs, err := ds.FetchRuns(snapshotRunLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch runs: %w", err)
	}
	events, err := ds.FetchEvents(snapshotEventLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	snap := snapshot{
		Daemon: ds.FetchDaemonHealth(),
		Runs:   runs,
		Events: events,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "loom data directory")
	robot := flag.Bool("robot", false, "print a JSON snapshot and exit")
	flag.Parse()

	ds, err := OpenDataSource(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening data source: %v\n", err)
		os.Exit(1)
	}
	defer ds.Close() //nolint:errcheck // read-only store

	if *robot {
		data, err := robotMode(ds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "loom-dash requires a terminal; use --robot for JSON output")
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(ds), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
