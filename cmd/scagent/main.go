// Scagent is a conversational supply-chain analysis assistant.
//
// It serves a chat API for a browser front-end. Questions are answered
// by a language model that calls the analysis tools of an MCP server
// launched as a subprocess. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	scagent serve              Start the API server
//	scagent ask <question>     Ask a single question (for testing)
//	scagent init [dir]         Write an example config.yaml
//	scagent version            Print version and build information
//	scagent -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/nugget/scagent/internal/buildinfo"
	"github.com/nugget/scagent/internal/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Config string `help:"Path to config file (default: auto-discover)" placeholder:"PATH"`
	Output string `short:"o" enum:"text,json" default:"text" help:"Output format: text or json"`

	Serve   ServeCmd   `cmd:"" help:"Start the API server"`
	Ask     AskCmd     `cmd:"" help:"Ask a single question (for testing)"`
	Init    InitCmd    `cmd:"" help:"Write an example config.yaml into a directory"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd starts the API server.
type ServeCmd struct{}

// AskCmd asks one question and prints the answer.
type AskCmd struct {
	Question []string `arg:"" help:"Question to ask"`
}

// InitCmd writes the example configuration.
type InitCmd struct {
	Dir string `arg:"" optional:"" default:"." help:"Target directory"`
}

// VersionCmd shows build information.
type VersionCmd struct{}

// main only wires OS state into run.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout and fatal
// errors are returned to the caller. Cancelling ctx shuts everything
// down.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var cli CLI
	exited := false
	parser, err := kong.New(&cli,
		kong.Name("scagent"),
		kong.Description("Supply Chain AI Assistant"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) { exited = true }),
	)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		args = []string{"--help"}
	}
	kctx, err := parser.Parse(args)
	if exited {
		// --help was printed.
		return nil
	}
	if err != nil {
		return err
	}

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	switch strings.Fields(kctx.Command())[0] {
	case "serve":
		return runServe(ctx, stdout, stderr, cli.Config)
	case "ask":
		return runAsk(ctx, stdout, stderr, cli.Config, strings.Join(cli.Ask.Question, " "))
	case "init":
		return runInit(stdout, cli.Init.Dir)
	case "version":
		return runVersion(stdout, cli.Output)
	default:
		return fmt.Errorf("unknown command: %s", kctx.Command())
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates, parses and validates the configuration. Without
// an explicit path and with no file in the default locations, the
// built-in defaults are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		cfg := config.Default()
		return cfg, "", cfg.Validate()
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger returns the logger cfg asks for. The level was
// checked by Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}
