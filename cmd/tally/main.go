// Tally is a conversational task assistant.
//
// It exposes an HTTP API that turns natural-language messages into task
// operations, using a completion engine that calls task tools. Every
// turn is rebuilt from persisted history, so any instance can serve any
// conversation. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tally serve                          Start the API server
//	tally init [dir]                     Write a starter config.yaml
//	tally ask -owner <id> <message>      Run one turn from the command line
//	tally migrate                        Apply database migrations
//	tally hash-token <token>             Print the bcrypt hash for a token
//	tally version                        Print version and build information
//	tally -o json version                Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/api"
	"github.com/nugget/tally/internal/auth"
	"github.com/nugget/tally/internal/buildinfo"
	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/connwatch"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/database"
	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/tasks"
	"github.com/nugget/tally/internal/tools"
	"github.com/nugget/tally/internal/turn"
	"github.com/nugget/tally/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tally command. Structured logs go
// to stdout; fatal errors are returned for main to print. Arguments are
// parsed by hand to keep the flag package's globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "migrate":
		return runMigrate(ctx, stdout, configPath)
	case "hash-token":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: tally hash-token <token>")
		}
		return runHashToken(stdout, cmdArgs[0])
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
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range buildinfo.Keys {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tally - conversational task assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tally [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask -owner <id> [-conversation <n>] <message>")
	fmt.Fprintln(w, "                               Run one turn and print the reply")
	fmt.Fprintln(w, "  migrate                      Apply database migrations")
	fmt.Fprintln(w, "  hash-token <token>           Print the bcrypt hash for an auth token")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/tally/config.yaml, /etc/tally/config.yaml")
	return nil
}

// askArgs are the parsed arguments of the ask subcommand.
type askArgs struct {
	owner          string
	conversationID int64
	message        string
}

func parseAskArgs(args []string) (askArgs, error) {
	const usage = "usage: tally ask -owner <id> [-conversation <n>] <message>"
	var a askArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-owner" && i+1 < len(args):
			a.owner = args[i+1]
			i++
		case args[i] == "-conversation" && i+1 < len(args):
			id, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || id <= 0 {
				return a, fmt.Errorf("invalid conversation id %q", args[i+1])
			}
			a.conversationID = id
			i++
		case strings.HasPrefix(args[i], "-") && len(words) == 0:
			return a, fmt.Errorf("unknown flag %s; %s", args[i], usage)
		default:
			words = append(words, args[i])
		}
	}
	a.message = strings.Join(words, " ")
	if a.owner == "" || strings.TrimSpace(a.message) == "" {
		return a, errors.New(usage)
	}
	return a, nil
}

// runAsk runs a single turn against the configured engine and database,
// exactly as the API would, and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	a, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Keep stdout for the reply; only warnings and worse are logged.
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.dispatcher.HandleTurn(ctx, turn.Request{
		OwnerID:        a.owner,
		ConversationID: a.conversationID,
		Text:           a.message,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, c := range res.ToolCalls {
		fmt.Fprintf(stdout, "[%s %s] %s\n", c.Tool, c.Parameters, c.Result)
	}
	fmt.Fprintln(stdout, res.AssistantText)
	fmt.Fprintf(stdout, "(conversation %d)\n", res.ConversationID)
	return nil
}

// runMigrate opens the database, which applies pending migrations.
func runMigrate(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stdout, level, cfg.LogFormat)

	db, err := database.Open(ctx, cfg.DataDir, logger)
	if err != nil {
		return err
	}
	return db.Close()
}

func runHashToken(w io.Writer, token string) error {
	h, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, h)
	return nil
}

// runServe handles the "tally serve" subcommand. It opens the database,
// wires the agent and starts the API server, blocking until SIGINT or
// SIGTERM. In-flight turns get a grace period to finish.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Tally", buildinfo.LogAttrs()...)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"data_dir", cfg.DataDir,
		"auth_tokens", len(cfg.Auth.Tokens),
		"trusted_header", cfg.Auth.TrustedHeader != "",
	)
	if len(cfg.Auth.Tokens) == 0 && cfg.Auth.TrustedHeader == "" {
		logger.Warn("no auth configured; every API request will be rejected")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	health := watchProviders(ctx, app.llm, logger)
	defer health.Stop()

	server := api.NewServer(api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		MaxConnections: cfg.Listen.MaxConnections,
	}, api.Deps{
		Turns:         app.dispatcher,
		Conversations: app.conversations,
		Usage:         app.usage,
		Events:        app.bus,
		Health:        health,
		Auth:          auth.FromConfig(cfg.Auth),
	}, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Agent.TurnTimeout())
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Tally stopped")
	return nil
}

// app holds the components shared by serve and ask.
type app struct {
	db            *sql.DB
	llm           *llm.MultiClient
	conversations *conversation.Store
	usage         *usage.Store
	bus           *events.Bus
	dispatcher    *turn.Dispatcher
}

// newApp opens the database and wires the turn pipeline.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(ctx, cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	llmClient, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := tools.NewRegistry(logger)
	if err := registry.RegisterTaskTools(tasks.NewStore(db)); err != nil {
		db.Close()
		return nil, fmt.Errorf("register task tools: %w", err)
	}

	a := &app{
		db:            db,
		llm:           llmClient,
		conversations: conversation.NewStore(db),
		usage:         usage.NewStore(db),
		bus:           events.New(),
	}

	runner := agent.NewRunner(llmClient, registry,
		agent.ConfigFromAgent(cfg.Models.Default, cfg.Agent, cfg.Pricing),
		logger,
		agent.WithUsage(a.usage),
		agent.WithEvents(a.bus),
	)
	locker := conversation.NewLocker(a.conversations, cfg.Agent.LeaseTTL(), logger)
	a.dispatcher = turn.NewDispatcher(a.conversations, locker, runner, turn.Config{
		TurnTimeout:  cfg.Agent.TurnTimeout(),
		HistoryLimit: cfg.Agent.HistoryLimit,
	}, a.bus, logger)

	logger.Info("agent ready",
		"tools", len(registry.List()),
		"max_rounds", cfg.Agent.MaxRounds,
		"turn_timeout", cfg.Agent.TurnTimeout(),
	)
	return a, nil
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file.
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

// createLLMClient builds a multi-provider client. Each configured model
// is routed to its provider; anything else falls through to Ollama.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured", "base_url", cfg.OpenAI.BaseURL)
	}
	if cfg.Gemini.Configured() {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, logger)
		if err != nil {
			return nil, err
		}
		multi.AddProvider("gemini", gemini)
		logger.Info("Gemini provider configured")
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
		if m.Name == cfg.Models.Default {
			defaultProvider = provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi, nil
}

// watchProviders starts a health watcher for each provider. Anthropic
// is skipped because its only probe is a billed completion.
func watchProviders(ctx context.Context, multi *llm.MultiClient, logger *slog.Logger) *connwatch.Manager {
	m := connwatch.NewManager(logger)
	for name, client := range multi.Providers() {
		if name == "anthropic" {
			continue
		}
		m.Watch(ctx, name, client.Ping, connwatch.DefaultSchedule())
	}
	return m
}
