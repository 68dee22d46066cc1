// Command activedoc evaluates a workspace's design rules and streams the
// results to connected dashboards over WebSocket.
//
// Usage:
//
//	activedoc serve [workspace]     watch the workspace and serve results
//	activedoc check [workspace]     evaluate once and report violations
//	activedoc validate [workspace]  check the rule table without evaluating
//
// Settings are read from .activedoc.yaml in the workspace root. Flags take
// precedence over the file.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chosenoffset/activedoc/pkg/activedoc"
	"github.com/chosenoffset/activedoc/pkg/activedoc/config"
	"github.com/chosenoffset/activedoc/pkg/activedoc/logging"
	"github.com/chosenoffset/activedoc/pkg/activedoc/match"
	"github.com/chosenoffset/activedoc/pkg/activedoc/workspace"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "activedoc",
		Version:       version,
		Short:         "Check source code against design rules and stream the results",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath string
	ruleTable  string
	provider   string
	logLevel   string
	logFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "activedoc:", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default <workspace>/"+config.FileName+")")
	flags.StringVar(&ruleTable, "rules", "", "rule table path relative to the workspace")
	flags.StringVar(&provider, "provider", "", "match provider: tree-sitter or ast-grep")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text, json or auto")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(validateCmd)
}

// workspaceArg returns the absolute workspace root named by args, or the
// current directory.
func workspaceArg(args []string) (string, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	return filepath.Abs(root)
}

// loadConfig reads the config file for root and applies persistent flags.
func loadConfig(cmd *cobra.Command, root string) (config.Config, error) {
	p := configPath
	if p == "" {
		p = filepath.Join(root, config.FileName)
	}
	cfg, err := config.Load(p)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("rules") {
		cfg.RuleTable = ruleTable
	}
	if flags.Changed("provider") {
		cfg.Provider = provider
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// app holds the pieces shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	ws     *workspace.Dir
	ev     *activedoc.Evaluator
}

func setup(cmd *cobra.Command, args []string) (*app, error) {
	root, err := workspaceArg(args)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	ws, err := workspace.NewDir(root, logger)
	if err != nil {
		return nil, err
	}
	p, err := match.New(cfg.Provider, cfg.AstGrepBinary)
	if err != nil {
		return nil, fmt.Errorf("match provider: %w", err)
	}
	logger.Debug("configuration loaded",
		"root", root,
		"rule_table", cfg.RuleTable,
		"provider", cfg.Provider,
		"limits", cfg.Limits.String())

	return &app{
		cfg:    cfg,
		logger: logger,
		ws:     ws,
		ev:     activedoc.NewEvaluator(p, cfg.Limits, logger),
	}, nil
}
