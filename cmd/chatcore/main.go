package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatcore/internal/adapter/httpapi"
	"chatcore/internal/adapter/llm"
	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/logger"
	"chatcore/internal/infra/metrics"
	"chatcore/internal/infra/tracer"
	"chatcore/internal/usecase"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	for _, a := range args {
		if a == "--help" || a == "-h" {
			cmd = "help"
		}
	}

	var err error
	switch cmd {
	case "help":
		showUsage(os.Stdout)
		return
	case "serve":
		err = runServe(parseFlags(args))
	case "chat":
		err = runChat(parseFlags(args), os.Stdin, os.Stdout)
	case "encrypt":
		err = runEncrypt(args, os.Stdout)
	case "providers":
		err = runProviders(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatcore --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `chatcore - conversational LLM service

USAGE:
    chatcore [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP API (default)
    chat        Interactive chat on stdin
    encrypt     Print an enc: value for a secret
                Usage: chatcore encrypt SECRET (passphrase from CHATCORE_CONFIG_KEY)
    providers   List available LLM providers

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)
    --provider NAME    LLM provider (gemini, openai, bedrock)
    --model NAME       Model name (e.g. gemini-2.0-flash, gpt-4o-mini)
    --key KEY          API key for the provider

CONFIGURATION:
    Config file: ./config.yaml (optional)
    Environment: CHATCORE_* variables override config

EXAMPLES:
    chatcore                                        # Serve with config.yaml
    chatcore --provider openai --model gpt-4o-mini --key sk-...
    chatcore chat --provider gemini                 # Chat in the terminal
    CHATCORE_CONFIG_KEY=pass chatcore encrypt sk-... # Encrypt an API key`)
}

// cliFlags holds CLI flags that override the config file.
type cliFlags struct {
	ConfigPath string
	Provider   string
	Model      string
	APIKey     string
}

// parseFlags extracts --config, --provider, --model and --key from args.
// Both "--flag value" and "--flag=value" are accepted.
func parseFlags(args []string) cliFlags {
	flags := cliFlags{ConfigPath: "config.yaml"}
	if p := os.Getenv("CHATCORE_CONFIG"); p != "" {
		flags.ConfigPath = p
	}
	targets := map[string]*string{
		"--config":   &flags.ConfigPath,
		"--provider": &flags.Provider,
		"--model":    &flags.Model,
		"--key":      &flags.APIKey,
	}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		dst, ok := targets[name]
		if !ok {
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				continue
			}
			value = args[i+1]
			i++
		}
		*dst = value
	}
	return flags
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.Provider == "" && flags.Model == "" && flags.APIKey == "" {
		return cfg, nil
	}
	if flags.Provider != "" && !strings.EqualFold(flags.Provider, cfg.LLM.Provider.Name) {
		// A different provider does not inherit the configured model or key.
		cfg.LLM.Provider.Name = flags.Provider
		cfg.LLM.Provider.Model = ""
		cfg.LLM.Provider.APIKey = ""
		config.ApplyEnvOverrides(cfg)
	}
	if flags.Model != "" {
		cfg.LLM.Provider.Model = flags.Model
	}
	if flags.APIKey != "" {
		cfg.LLM.Provider.APIKey = flags.APIKey
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is the assembled process: one provider, one store, one chat service.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	chat    *usecase.ChatService
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, flags cliFlags) (*app, error) {
	// 1. Config
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	})

	// 3. Metrics
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	// 4. LLM provider
	provider, err := initLLM(cfg, a.metrics, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("llm: %w", err)
	}

	// 5. Conversations
	store := usecase.NewConversationStore(usecase.StoreOptions{
		MaxConversations: cfg.Chat.MaxConversations,
		TTL:              cfg.Chat.ConversationTTL,
	}, a.metrics, log)
	a.chat = usecase.NewChatService(provider, store, usecase.ChatOptions{
		SystemPrompt:      cfg.Chat.SystemPrompt,
		RollbackOnFailure: cfg.Chat.RollbackOnFailure,
		TitleLength:       cfg.Chat.TitleLength,
		Metrics:           a.metrics,
	}, log)

	return a, nil
}

func runServe(flags cliFlags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	opts := httpapi.Options{
		Addr:         a.cfg.Server.Addr,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		Metrics:      a.metrics,
	}
	if a.metrics != nil {
		opts.MetricsPath = a.cfg.Metrics.Path
	}
	server := httpapi.NewServer(a.chat, usecase.NewConversationLocker(), opts, a.log)
	if err := server.Start(ctx); err != nil {
		return err
	}

	if a.cfg.Chat.ConversationTTL > 0 && a.cfg.Chat.ReapInterval > 0 {
		go runReaper(ctx, a.chat, a.cfg.Chat.ReapInterval, a.log)
	}

	model := a.chat.ModelInfo()
	a.log.Info("chatcore starting",
		"addr", server.Addr(),
		"provider", model.Provider,
		"model", model.Model,
		"circuit_breaker", a.cfg.LLM.CircuitBreaker.Enabled,
		"metrics", a.metrics != nil,
	)

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return server.Stop(shutdownCtx)
}

// runReaper drops idle conversations every interval until ctx is done.
func runReaper(ctx context.Context, chat *usecase.ChatService, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := chat.ReapIdle(); n > 0 {
				log.Debug("reaper pass", "removed", n)
			}
		}
	}
}

func runChat(flags cliFlags, in io.Reader, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	return chatLoop(ctx, a.chat, in, out)
}

// chatLoop reads one user turn per line. "/new" starts a fresh conversation
// and "/quit" (or EOF) ends the session.
func chatLoop(ctx context.Context, chat *usecase.ChatService, in io.Reader, out io.Writer) error {
	conv, err := chat.CreateConversation(ctx, usecase.NewConversation{})
	if err != nil {
		return err
	}
	model := chat.ModelInfo()
	fmt.Fprintf(out, "chatcore (%s/%s). Type /new for a new conversation, /quit to exit.\n", model.Provider, model.Model)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			conv, err = chat.CreateConversation(ctx, usecase.NewConversation{})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "(new conversation)")
			continue
		}

		result, err := chat.HandleTurn(ctx, conv.ID, line, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "error [%s]: %v\n", domain.ErrorCodeOf(err), err)
			continue
		}
		fmt.Fprintln(out, result.Text)
	}
}

func runEncrypt(args []string, out io.Writer) error {
	var secret string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			secret = a
			break
		}
	}
	if secret == "" {
		return fmt.Errorf("usage: chatcore encrypt SECRET")
	}
	passphrase := os.Getenv("CHATCORE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CHATCORE_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "enc:%s\n", enc)
	return nil
}

func runProviders(out io.Writer) error {
	factory := llm.NewFactory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, name := range factory.Names() {
		fmt.Fprintln(out, name)
	}
	return nil
}
