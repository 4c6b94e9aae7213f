package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/cache"
	"github.com/dotsetgreg/dotpersona/pkg/channels"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/engine"
	"github.com/dotsetgreg/dotpersona/pkg/gateway"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotpersona"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTPERSONA_CONFIG")); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotpersona", "config.json")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

// loadRules returns the rule provider for cfg. The *rules.Live is non-nil
// only when watch_rules is on; the caller owns its Watch loop.
func loadRules(cfg *config.Config) (rules.Provider, *rules.Live, error) {
	path := config.ExpandHome(cfg.Lockdown.RulesPath)
	if cfg.Lockdown.WatchRules {
		live, err := rules.NewLive(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load rules: %w", err)
		}
		return live, live, nil
	}
	set, err := rules.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load rules: %w", err)
	}
	return rules.Static(set), nil, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open persona store: %w", err)
	}
	return st, nil
}

// personaRuntime is everything a generating command needs.
type personaRuntime struct {
	store  *store.SQLiteStore
	live   *rules.Live
	engine *engine.Engine
}

func (r *personaRuntime) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
}

func openRuntime(ctx context.Context, cfg *config.Config) (*personaRuntime, error) {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, fmt.Errorf("provider configuration: %w", err)
	}
	gen, err := providers.CreateGenerator(cfg)
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	rp, live, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	e, err := engine.NewFromConfig(ctx, cfg, st, gen, rp)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &personaRuntime{store: st, live: live, engine: e}, nil
}

func onboard(w io.Writer, in io.Reader, force bool) error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(w, "Config already exists at %s\n", configPath)
		fmt.Fprint(w, "Overwrite? (y/n): ")
		reader := bufio.NewReader(in)
		response, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read input: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.MkdirAll(cfg.BaselineDir(), 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}

	fmt.Fprintf(w, "%s is ready!\n", appName)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Add your provider API key to", configPath)
	fmt.Fprintln(w, "  2. List your personas under persona.constructs")
	fmt.Fprintln(w, "  3. Build a blueprint: dotpersona blueprint build --construct nova --callsign 001 patterns.json")
	fmt.Fprintln(w, "  4. Chat locally: dotpersona chat")
	fmt.Fprintln(w, "  5. Run the gateway: dotpersona gateway")
	return nil
}

func statusCmd(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(w, "Build: %s\n", build)
	}
	fmt.Fprintln(w)

	mark := func(path string) string {
		if _, err := os.Stat(path); err == nil {
			return "✓"
		}
		return "✗"
	}
	fmt.Fprintln(w, "Config:", configPath, mark(configPath))
	fmt.Fprintln(w, "Store:", cfg.StorePath(), mark(cfg.StorePath()))
	fmt.Fprintln(w, "Baselines:", cfg.BaselineDir(), mark(cfg.BaselineDir()))
	if p := config.ExpandHome(cfg.Lockdown.RulesPath); p != "" {
		fmt.Fprintln(w, "Rules:", p, mark(p))
	} else {
		fmt.Fprintln(w, "Rules: built-in defaults")
	}
	fmt.Fprintf(w, "Constructs: %d configured\n", len(cfg.Persona.Constructs))

	provider, configured, mode, credErr := providers.ProviderCredentialStatus(cfg)
	fmt.Fprintf(w, "Provider: %s (model %s)\n", valueOr(provider, "-"), cfg.Generation.Model)
	switch {
	case credErr != nil:
		fmt.Fprintf(w, "Credentials: invalid (%v)\n", credErr)
	case configured:
		fmt.Fprintf(w, "Credentials: ✓ (%s)\n", mode)
	default:
		fmt.Fprintln(w, "Credentials: not set")
	}

	discord := "disabled"
	if cfg.Channels.Discord.Enabled {
		discord = "enabled"
		if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
			discord = "enabled, token missing"
		}
	}
	fmt.Fprintln(w, "Discord:", discord)
	fmt.Fprintf(w, "Gateway: http://%s\n", net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)))
	return nil
}

// chatSession feeds one local session through the engine.
type chatSession struct {
	engine  *engine.Engine
	session string
	subject string
	started bool
}

func (s *chatSession) send(ctx context.Context, input string) (string, error) {
	if reply, ok := s.engine.HandleCommand(ctx, s.session, input); ok {
		return reply, nil
	}
	res, err := s.engine.ProcessTurn(ctx, engine.TurnRequest{
		SessionID:      s.session,
		SubjectID:      s.subject,
		ThreadID:       s.session,
		UserMessage:    input,
		IsSessionStart: !s.started,
	})
	if err != nil {
		return "", err
	}
	s.started = true
	logger.DebugCF("chat", "Turn complete", map[string]interface{}{
		"construct": res.Key(),
		"path":      res.Path,
		"drift":     string(res.Drift.Severity),
	})
	return fmt.Sprintf("%s: %s", res.Key(), res.Response), nil
}

func interactiveMode(s *chatSession) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dotpersona_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(s, os.Stdin, os.Stdout)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		reply, err := s.send(context.Background(), input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}

func simpleInteractiveMode(s *chatSession, in io.Reader, w io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(w, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || strings.TrimSpace(line) == "") {
			if err == io.EOF {
				fmt.Fprintln(w, "\nGoodbye!")
				return
			}
			fmt.Fprintf(w, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(w, "Goodbye!")
			return
		}

		reply, sendErr := s.send(context.Background(), input)
		if sendErr != nil {
			fmt.Fprintf(w, "Error: %v\n", sendErr)
		} else {
			fmt.Fprintf(w, "\n%s\n\n", reply)
		}
		if err == io.EOF {
			return
		}
	}
}

func chatCmd(w io.Writer, message, session, subject string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	s := &chatSession{engine: rt.engine, session: session, subject: valueOr(subject, session)}
	if message != "" {
		reply, err := s.send(ctx, message)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s\n", reply)
		return nil
	}
	fmt.Fprintf(w, "%s Interactive mode (Ctrl+C to exit)\n\n", appName)
	interactiveMode(s)
	return nil
}

func gatewayCmd(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.live != nil {
		go func() {
			if err := rt.live.Watch(ctx); err != nil {
				logger.ErrorCF("rules", "Rules watcher stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
		fmt.Fprintln(w, "✓ Watching rules for changes")
	}

	sweeper, err := cache.NewSweeper(cfg.Maintenance.SweepSchedule, map[string]cache.Sweepable{
		"detector": rt.engine.Detector().Cache(),
	})
	if err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	enabled := channelManager.Enabled()
	if len(enabled) > 0 {
		fmt.Fprintf(w, "✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	}

	loop := gateway.NewLoop(msgBus, rt.engine, cfg.Lockdown.ApologyLine)
	go func() {
		if err := loop.Run(ctx); err != nil {
			logger.ErrorCF("gateway", "Turn loop stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	server := gateway.NewServer(rt.engine, rt.store)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx, addr) }()
	fmt.Fprintf(w, "✓ Gateway listening on http://%s\n", addr)
	fmt.Fprintln(w, "Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	serverDone := false
	select {
	case <-sigChan:
	case runErr = <-serverErr:
		serverDone = true
	}

	fmt.Fprintln(w, "\nShutting down...")
	cancel()
	loop.Stop()
	if err := channelManager.StopAll(context.Background()); err != nil {
		logger.WarnCF("gateway", "Channel shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if !serverDone {
		runErr = <-serverErr
	}
	fmt.Fprintln(w, "✓ Gateway stopped")
	return runErr
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
