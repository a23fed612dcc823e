// Chorus is a multi-provider LLM chat frontend.
//
// It holds one conversation per configured model and fans user input
// out to all of them concurrently, so the same prompt can be compared
// across OpenAI, Anthropic, and Hugging Face models side by side.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); the model catalog is
// a second YAML file referenced by it.
//
// Usage:
//
//	chorus chat              Start the interactive chat loop
//	chorus init [dir]        Write starter config and model catalog
//	chorus version           Print version and build information
//	chorus -o json version   Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/chorus-chat/chorus/internal/buildinfo"
	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/connwatch"
	"github.com/chorus-chat/chorus/internal/events"
	"github.com/chorus-chat/chorus/internal/gateway"
	"github.com/chorus-chat/chorus/internal/llm"
	"github.com/chorus-chat/chorus/internal/registry"
	"github.com/chorus-chat/chorus/internal/session"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the chorus command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdin feeds the chat loop, stdout and stderr receive all
// output, and args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on package-level
// globals (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
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
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Chorus - Multi-Provider LLM Chat")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chorus [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start the interactive chat loop")
	fmt.Fprintln(w, "  init [dir]   Write starter chorus.yaml and models.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./chorus.yaml, ~/.config/chorus/config.yaml, /etc/chorus/config.yaml")
	return nil
}

// runChat handles the "chorus chat" subcommand: loads config and model
// catalog, wires the registry, adapters, gateway, and orchestrator,
// initializes every session concurrently, and enters the input loop.
// SIGINT or SIGTERM cancels the context and drains background watchers.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("starting chorus", "version", buildinfo.Version, "config", cfgPath)

	models, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("catalog %s defines no models", cfg.CatalogPath)
	}
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "models", len(models))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Core wiring ---
	bus := events.New()
	eventCh := bus.Subscribe(64)
	defer bus.Unsubscribe(eventCh)
	go func() {
		for e := range eventCh {
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}()

	reg := registry.New(logger)
	reg.Subscribe(func(sc registry.StatusChange) {
		bus.Publish(events.Event{
			Timestamp: sc.Timestamp,
			Source:    events.SourceRegistry,
			Kind:      events.KindStatusChange,
			Data: map[string]any{
				"provider":  sc.Provider,
				"connected": sc.Connected,
				"message":   sc.Message,
			},
		})
	})

	gw := gateway.New(logger)
	adapters := []llm.Adapter{
		llm.NewOpenAIAdapter(reg, cfg.BaseURL("openai"), logger),
		llm.NewAnthropicAdapter(reg, cfg.BaseURL("anthropic"), logger),
		llm.NewHuggingFaceAdapter(reg, cfg.BaseURL("huggingface"), logger),
	}
	for _, a := range adapters {
		gw.Register(a)
		reg.RegisterProbe(a.Provider(), a.Handshake)
	}

	// Reject unknown providers up front rather than at first send.
	creds := session.Credentials{}
	for _, m := range models {
		if _, err := gw.Resolve(m.Provider); err != nil {
			return fmt.Errorf("model %s: %w", m.Name, err)
		}
		key := catalog.NormalizeProvider(m.Provider)
		creds[key] = cfg.Credential(key)
	}

	orch := session.NewOrchestrator(gw, reg, bus, logger)
	sessions := make([]*session.Session, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, session.New(m))
	}

	// --- Background connection watching ---
	var watch *connwatch.Manager
	if cfg.Connwatch.Enabled {
		watch = connwatch.NewManager(logger)
		defer watch.Stop()
		backoff := connwatch.DefaultBackoffConfig()
		if cfg.Connwatch.IntervalSec > 0 {
			backoff.PollInterval = time.Duration(cfg.Connwatch.IntervalSec) * time.Second
		}
		if cfg.Connwatch.MaxBackoffSec > 0 {
			backoff.MaxDelay = time.Duration(cfg.Connwatch.MaxBackoffSec) * time.Second
		}
		for _, a := range adapters {
			provider := a.Provider()
			credential := creds.Get(provider)
			if credential == "" {
				continue
			}
			handshake := a.Handshake
			watch.Watch(ctx, connwatch.WatcherConfig{
				Provider: provider,
				Probe: func(probeCtx context.Context) error {
					return handshake(probeCtx, credential)
				},
				Sink:    reg,
				Backoff: backoff,
				Logger:  logger,
			})
		}
	}

	// --- Session bootstrap ---
	fmt.Fprintf(stdout, "Connecting %d session(s)...\n", len(sessions))
	orch.InitializeAll(ctx, sessions, creds)
	for _, s := range sessions {
		printTranscriptTail(stdout, s, len(s.Transcript()))
	}

	fmt.Fprintln(stdout, `Type a message to broadcast it to every session.
Commands: @<model> <text>, /status, /summary, /quit`)

	return chatLoop(ctx, stdin, stdout, orch, reg, watch, sessions, creds, cfg.SummaryPrompt)
}

// chatLoop reads lines from stdin until EOF, /quit, or ctx cancellation.
func chatLoop(
	ctx context.Context,
	stdin io.Reader,
	stdout io.Writer,
	orch *session.Orchestrator,
	reg *registry.Registry,
	watch *connwatch.Manager,
	sessions []*session.Session,
	creds session.Credentials,
	summaryPrompt string,
) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/status":
			printStatus(stdout, reg, watch, sessions)
		case line == "/summary":
			for _, s := range sessions {
				summary, err := orch.Summarize(ctx, s, creds.Get(s.Model.Provider), summaryPrompt)
				if err != nil {
					fmt.Fprintf(stdout, "%s: summary failed: %v\n", s.Model.Name, err)
					continue
				}
				fmt.Fprintln(stdout, summary)
			}
		case strings.HasPrefix(line, "@"):
			name, text, _ := strings.Cut(line[1:], " ")
			s := findSession(sessions, name)
			if s == nil {
				fmt.Fprintf(stdout, "no session named %q\n", name)
				continue
			}
			reply, err := orch.Send(ctx, s, text, creds.Get(s.Model.Provider))
			if err != nil {
				fmt.Fprintf(stdout, "%s: %v\n", s.Model.Name, err)
				continue
			}
			fmt.Fprintf(stdout, "%s: %s\n", s.Model.Name, reply)
		default:
			results := orch.Broadcast(ctx, sessions, line, creds)
			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(stdout, "%s: %v\n", r.Session.Model.Name, r.Err)
					continue
				}
				fmt.Fprintf(stdout, "%s: %s\n", r.Session.Model.Name, r.Reply)
			}
		}
	}
}

// findSession matches a session by display name, case-insensitively.
func findSession(sessions []*session.Session, name string) *session.Session {
	for _, s := range sessions {
		if strings.EqualFold(s.Model.Name, name) {
			return s
		}
	}
	return nil
}

// printStatus renders per-provider connection state and per-session
// transcript sizes.
func printStatus(stdout io.Writer, reg *registry.Registry, watch *connwatch.Manager, sessions []*session.Session) {
	states := reg.States()
	providers := make([]string, 0, len(states))
	for p := range states {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, p := range providers {
		st := states[p]
		mark := "down"
		if st.Connected {
			mark = "up"
		}
		fmt.Fprintf(stdout, "%-14s %-4s %s\n", p, mark, st.LastMessage)
	}
	if watch != nil {
		for p, ws := range watch.Status() {
			if !ws.Ready && ws.LastError != "" {
				fmt.Fprintf(stdout, "%-14s probe: %s\n", p, ws.LastError)
			}
		}
	}
	for _, s := range sessions {
		busy := ""
		if s.Busy() {
			busy = " (busy)"
		}
		fmt.Fprintf(stdout, "%-14s %d transcript entries%s\n", s.Model.Name, len(s.Transcript()), busy)
	}
}

// printTranscriptTail prints the last n transcript entries of a session.
func printTranscriptTail(stdout io.Writer, s *session.Session, n int) {
	entries := s.Transcript()
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	for _, e := range entries {
		if e.Failed {
			fmt.Fprintf(stdout, "%s: [error] %s\n", s.Model.Name, e.Message.Content)
			continue
		}
		fmt.Fprintf(stdout, "%s (%s): %s\n", s.Model.Name, e.Message.Role, e.Message.Content)
	}
}

// newLogger builds a text slog logger that renders the custom trace
// level correctly.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Returns the parsed config, the path that was loaded, and any error.
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
