package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"loom/pkg/config"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "loom init" subcommand. It lays down the data dir
// with a starter config.toml and validation.yaml, never overwriting files
// that already exist.
func newInitCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the loom data directory and starter configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("get home dir: %w", err)
				}
				dataDir = filepath.Join(home, ".loom")
			}
			return runInit(cmd.OutOrStdout(), dataDir)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.loom)")
	return cmd
}

func runInit(w io.Writer, dataDir string) error {
	for _, sub := range []string{"", "runs", "workspaces"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o750); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Join(dataDir, sub), err)
		}
	}

	files := []struct {
		name string
		body string
	}{
		{"config.toml", config.DefaultConfigTOML},
		{"validation.yaml", config.DefaultValidationYAML},
	}
	for _, f := range files {
		path := filepath.Join(dataDir, f.name)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(f.body), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(w, "wrote %s\n", path)
	}

	fmt.Fprintf(w, "edit %s and run `loom daemon start`\n", filepath.Join(dataDir, "config.toml"))
	return nil
}
