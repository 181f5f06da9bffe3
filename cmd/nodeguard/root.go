package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/agentstation/nodeguard/execlog"
)

// cli holds the global flags and the logger built from them.
type cli struct {
	verbose  bool
	output   string
	logLevel string
	envFile  string
	noColor  bool

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "nodeguard",
		Short: "Run workflows of guarded nodes",
		Long: `nodeguard runs workflows whose nodes are Lua scripts.

Every node is retried with exponential backoff, can be bounded by a
per-attempt timeout, and records its failures in the workflow state
instead of aborting the run. Each run produces an execution record.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&c.output, "output", textFormat, "Output format (text, json, yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "Load environment variables from this file (default .env when present)")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "Disable colored log output")

	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(c.newRunCmd(), c.newValidateCmd(), c.newVersionCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	if err := loadEnv(c.envFile); err != nil {
		return err
	}

	switch c.output {
	case textFormat, jsonFormat, yamlFormat:
	default:
		return fmt.Errorf("unknown output format %q", c.output)
	}

	level, err := execlog.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	slogLevel := level.Slog()
	if c.verbose {
		slogLevel = slog.LevelDebug
	}

	c.logger = slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
		NoColor:    c.noColor,
	}))
	return nil
}

// loadEnv loads path, or .env when path is empty and the file exists.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// encode writes v in the selected structured format.
func (c *cli) encode(w io.Writer, v any) error {
	switch c.output {
	case jsonFormat:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case yamlFormat:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("format %q is not structured", c.output)
}
