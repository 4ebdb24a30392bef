// Atlas is an MCP client runtime.
//
// It launches and supervises the MCP servers named in its configuration,
// performs the protocol handshake, discovers each server's tools, and
// exposes every discovered tool through one uniform registry. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	atlas serve                    Connect to all servers and stay resident
//	atlas list                     Connect, list discovered tools, exit
//	atlas call <tool> [json-args]  Invoke one tool and print the result
//	atlas version                  Print version and build information
//	atlas -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/LingTravel/Atlas/internal/buildinfo"
	"github.com/LingTravel/Atlas/internal/config"
	"github.com/LingTravel/Atlas/internal/connwatch"
	"github.com/LingTravel/Atlas/internal/mcp"
	"github.com/LingTravel/Atlas/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the atlas command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of every MCP connection.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "list":
		return runList(ctx, stdout, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: atlas call <tool> [json-args]")
		}
		return runCall(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// atlas is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Atlas - MCP Client Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: atlas [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Connect to all MCP servers and stay resident")
	fmt.Fprintln(w, "  list                     List discovered tools and exit")
	fmt.Fprintln(w, "  call <tool> [json-args]  Invoke one tool and print the result")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/atlas/config.yaml, /etc/atlas/config.yaml")
	return nil
}

// runServe handles the "atlas serve" subcommand. It is the primary
// operating mode: loads config, connects to every auto-start MCP
// server, bridges their tools into the registry, registers a health
// watcher per connection, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := boot(stdout, configPath)
	if err != nil {
		return err
	}

	logger.Info("starting", "build", buildinfo.String())

	mgr, registry, err := connectServers(ctx, cfg, logger)
	if err != nil {
		// Partial startup is normal operation; total failure is not.
		if len(mgr.Names()) == 0 {
			return fmt.Errorf("no MCP servers available: %w", err)
		}
		logger.Warn("some MCP servers failed to start", "error", err)
	}
	defer func() {
		if err := mgr.Stop(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	// --- Connection health ---
	// A watcher per connection pings the server on the standard schedule
	// and logs state transitions. Watchers observe only; a server that
	// dies stays down until the process is restarted.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	for _, name := range mgr.Names() {
		conn, ok := mgr.Conn(name)
		if !ok {
			continue
		}
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mcp-" + name,
			Probe:   func(pCtx context.Context) error { return conn.Ping(pCtx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	logger.Info("ready",
		"servers", mgr.Names(),
		"tools", registry.Len(),
	)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// runList handles the "atlas list" subcommand. It connects, prints the
// discovered tool catalog, and disconnects.
func runList(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	cfg, logger, err := boot(stdout, configPath)
	if err != nil {
		return err
	}

	mgr, registry, err := connectServers(ctx, cfg, logger)
	if err != nil && len(mgr.Names()) == 0 {
		return fmt.Errorf("no MCP servers available: %w", err)
	}
	defer mgr.Stop()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(mgr.Tools())
	}

	for _, t := range registry.List() {
		fmt.Fprintf(stdout, "%-40s %s\n", t.Name(), t.Description())
	}
	return nil
}

// runCall handles the "atlas call <tool> [json-args]" subcommand. The
// tool name may be namespaced ("server.tool") or bare; bare names must
// be unambiguous across connected servers. Arguments are a single JSON
// object, defaulting to empty.
func runCall(ctx context.Context, stdout io.Writer, configPath string, outputFmt string, cmdArgs []string) error {
	cfg, logger, err := boot(stdout, configPath)
	if err != nil {
		return err
	}

	toolName := cmdArgs[0]
	toolArgs := map[string]any{}
	if len(cmdArgs) > 1 {
		if err := json.Unmarshal([]byte(cmdArgs[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	mgr, _, err := connectServers(ctx, cfg, logger)
	if err != nil && len(mgr.Names()) == 0 {
		return fmt.Errorf("no MCP servers available: %w", err)
	}
	defer mgr.Stop()

	// Route through the manager so bare tool names resolve (with
	// ambiguity detection) the same way bridged invocations do.
	callRes, err := mgr.Invoke(ctx, toolName, toolArgs)
	if err != nil {
		return fmt.Errorf("call %s: %w", toolName, err)
	}
	res := mcp.Translate(callRes)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if !res.Success {
		return fmt.Errorf("call %s: %s", toolName, res.Error)
	}
	fmt.Fprintln(stdout, res.Text)
	if res.HasImage {
		fmt.Fprintf(stdout, "(image content: %d bytes)\n", len(res.Image))
	}
	return nil
}

// boot loads config and constructs the logger shared by all subcommands.
func boot(stdout io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(stdout, level, "text")
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// connectServers starts every configured auto-start server and bridges
// the discovered tools into a fresh registry. The manager is returned
// even on error so the caller can inspect which servers made it.
func connectServers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcp.Manager, *tools.Registry, error) {
	specs := make([]mcp.ServerSpec, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		specs = append(specs, mcp.ServerSpec{
			Name:          s.Name,
			TransportKind: s.Transport,
			Command:       s.Command,
			Args:          s.Args,
			Env:           s.Env,
			URL:           s.URL,
			Headers:       s.Headers,
			AutoStart:     s.ShouldStart(),
			IncludeTools:  s.IncludeTools,
			ExcludeTools:  s.ExcludeTools,
		})
	}

	mgr := mcp.NewManager(logger)
	err := mgr.Start(ctx, specs)

	registry := tools.NewRegistry()
	count := mcp.BridgeAll(mgr, registry, logger)
	logger.Info("MCP servers connected",
		"servers", mgr.Names(),
		"tools", count,
	)

	return mgr, registry, err
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in Atlas goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
