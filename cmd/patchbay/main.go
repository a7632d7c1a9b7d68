// Patchbay is an HTTP backend that lets natural language drive a
// music-production studio through a tool-calling model.
//
// It exposes a small JSON API for the studio's browser panel, keeps a
// single MCP gateway session warm across requests, and streams run
// activity to WebSocket subscribers. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	patchbay serve             Start the API server
//	patchbay init [dir]        Write a starter patchbay.yaml
//	patchbay ask <prompt>      Run a single prompt (for testing)
//	patchbay version           Print version and build information
//	patchbay -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/patchbay-audio/patchbay/internal/agent"
	"github.com/patchbay-audio/patchbay/internal/api"
	"github.com/patchbay-audio/patchbay/internal/buildinfo"
	"github.com/patchbay-audio/patchbay/internal/config"
	"github.com/patchbay-audio/patchbay/internal/events"
	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/session"
	"github.com/patchbay-audio/patchbay/internal/transcript"
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

// run is the real entry point for the patchbay command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and the gateway subprocess.
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: patchbay ask <prompt>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe handles the "patchbay serve" subcommand. It is the primary
// operating mode: loads config, opens the transcript store, wires the
// provider factory, session manager, and agent engine together, starts
// the API server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The gateway subprocess and transcript store are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger, err := config.NewLogger(stdout, config.LoggingConfig{})
	if err != nil {
		return err
	}
	logger.Info("starting Patchbay",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level and
	// format. The initial Info-level text logger is used only for the
	// startup banner; everything after this point uses the configured
	// level and format.
	logger, err = config.NewLogger(stdout, cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"provider", cfg.LLM.DefaultProvider,
	)

	// --- Event bus ---
	// Every layer publishes progress events here; the API server fans
	// them out to WebSocket subscribers.
	bus := events.New()

	// --- Model providers and gateway session ---
	factory := llm.NewFactory(factoryConfig(cfg), logger)
	sessions := session.NewManager(gatewayConfig(cfg), factory, bus, logger)
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
	}()

	// --- Transcript store ---
	// SQLite-backed run history. Optional: with recording disabled the
	// transcript endpoints answer 503 and runs leave no trace.
	var store *transcript.Store
	if cfg.Transcripts.Enabled {
		store, err = transcript.Open(cfg.Transcripts.Path)
		if err != nil {
			return fmt.Errorf("open transcript store %s: %w", cfg.Transcripts.Path, err)
		}
		defer store.Close()
		logger.Info("transcript store opened", "path", cfg.Transcripts.Path)
	} else {
		logger.Info("transcript recording disabled")
	}

	// A disabled store must stay a nil interface; a typed nil would
	// pass the engine's recorder check and crash on first use.
	var recorder agent.TranscriptRecorder
	if store != nil {
		recorder = store
	}

	engine := agent.NewEngine(sessions, recorder, bus, logger, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	})

	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, engine, logger)
	server.SetBus(bus)
	server.SetTranscripts(store)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Patchbay stopped")
	return nil
}

// runAsk handles the "patchbay ask <prompt>" subcommand. It boots a
// minimal engine and processes a single prompt, printing the reply to
// stdout. Useful for smoke-testing a gateway and provider config
// without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger, err := config.NewLogger(stdout, config.LoggingConfig{})
	if err != nil {
		return err
	}

	prompt := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	factory := llm.NewFactory(factoryConfig(cfg), logger)
	sessions := session.NewManager(gatewayConfig(cfg), factory, nil, logger)
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
	}()

	// No transcript store and no event bus — nothing to persist or
	// stream for a one-shot prompt.
	engine := agent.NewEngine(sessions, nil, nil, logger, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	})

	result, err := engine.Run(ctx, agent.Request{Prompt: prompt})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Reply)
	return nil
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// patchbay is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Patchbay - Natural-language studio control")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: patchbay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a starter patchbay.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Run a single prompt (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./patchbay.yaml, ~/.config/patchbay/patchbay.yaml, /etc/patchbay/patchbay.yaml")
	return nil
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

// factoryConfig maps the llm config section onto the provider factory.
func factoryConfig(cfg *config.Config) llm.FactoryConfig {
	return llm.FactoryConfig{
		DefaultProvider: cfg.LLM.DefaultProvider,
		GeminiAPIKey:    cfg.LLM.Gemini.APIKey,
		GeminiModel:     cfg.LLM.Gemini.Model,
		AnthropicKey:    cfg.LLM.Anthropic.APIKey,
		AnthropicModel:  cfg.LLM.Anthropic.Model,
	}
}

// gatewayConfig maps the gateway config section onto the session manager.
func gatewayConfig(cfg *config.Config) session.GatewayConfig {
	return session.GatewayConfig{
		Script:  cfg.Gateway.Script,
		Command: cfg.Gateway.Command,
		Args:    cfg.Gateway.Args,
		Env:     cfg.Gateway.Env,
		URL:     cfg.Gateway.URL,
		Headers: cfg.Gateway.Headers,
	}
}
