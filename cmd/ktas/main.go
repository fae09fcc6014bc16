// Command ktas extracts the KTAS reference deck, builds the retrieval index
// and produces triage advisories from the terminal or over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	goktas "github.com/bbiangul/go-ktas"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	deckPath   string
	indexDir   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "ktas",
		Short:        "KTAS triage reference assistant",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.deckPath, "deck", "", "Guideline deck path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.indexDir, "index-dir", "", "Index directory (overrides config)")

	rootCmd.AddCommand(extractCmd(opts))
	rootCmd.AddCommand(indexCmd(opts))
	rootCmd.AddCommand(assessCmd(opts))
	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(evalCmd(opts))
	return rootCmd
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// setupLogging installs a text handler on stderr, or JSON on stdout for
// the server.
func setupLogging(level string, json bool) error {
	l, err := parseLevel(level)
	if err != nil {
		return err
	}
	ho := &slog.HandlerOptions{Level: l}
	if json {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, ho)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, ho)))
	}
	return nil
}

func (o *rootOptions) loadConfig() (goktas.Config, error) {
	cfg, err := goktas.LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.deckPath != "" {
		cfg.DeckPath = o.deckPath
	}
	if o.indexDir != "" {
		cfg.IndexDir = o.indexDir
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) newEngine(json bool) (goktas.Engine, goktas.Config, error) {
	if err := setupLogging(o.logLevel, json); err != nil {
		return nil, goktas.Config{}, err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	e, err := goktas.New(cfg)
	return e, cfg, err
}
