package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/chatbot"
	"ChatRelay/internal/config"
	"ChatRelay/internal/directory"
	"ChatRelay/internal/gate"
	"ChatRelay/internal/host"
	"ChatRelay/internal/session"
	"ChatRelay/internal/telemetry"
	"ChatRelay/internal/usage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  string
	consoleUser string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Conversational relay between chat platforms and an LLM",
	Long: `ChatRelay keeps a per-user conversation, forwards each message to an
OpenAI-compatible chat completion endpoint and replies with the answer.

Token usage is accumulated per user in a local SQLite ledger.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Host = config.HostConsole
		return run(cmd.Context(), cfg)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept messages over WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Host = config.HostWebSocket
		return run(cmd.Context(), cfg)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>...",
	Short: "Show accumulated token usage",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUsage,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML or YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug|info|warn|error)")
	chatCmd.Flags().StringVarP(&consoleUser, "user", "u", "", "user id for the console session (default: $USER)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(usageCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, level, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	tracer, meter, closeTelemetry, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer closeTelemetry()

	store, err := session.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}

	ledger, err := usage.Open(cfg.UsageDB, logger)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}
	defer ledger.Close()

	client, err := backend.NewClient(cfg.Endpoint, cfg.APIKey, cfg.RequestTimeout.Duration, logger, tracer, meter)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}

	bot, err := chatbot.NewChatBot(chatbot.Options{
		Config:    cfg,
		Store:     store,
		Ledger:    ledger,
		Gate:      gate.NewLocal(),
		Completer: client,
		Logger:    logger,
		Tracer:    tracer,
		Meter:     meter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}

	logger.Info("chatrelay starting",
		"host", cfg.Host,
		"model", cfg.EffectiveModel(),
		"data_dir", store.Root(),
		"usage_db", cfg.UsageDB)

	switch cfg.Host {
	case config.HostWebSocket:
		ws, err := host.NewWebSocket(cfg.Listen, logger)
		if err != nil {
			return err
		}
		if cfg.Directory.Enabled() {
			dir, err := directory.NewHTTPClient(cfg.Directory.Platform, cfg.Directory.BaseURL, cfg.Directory.Token, logger)
			if err != nil {
				return fmt.Errorf("failed to create directory client: %w", err)
			}
			ws.WithDirectory(dir.Platform(), dir)
		}
		err = ws.Run(ctx, bot.Handle)
		logger.Info("chatrelay stopped")
		return err

	default:
		user := consoleUser
		if user == "" {
			user = os.Getenv("USER")
		}
		if user == "" {
			user = "console"
		}
		return host.NewConsole(user, os.Stdin, os.Stdout).Run(ctx, bot.Handle)
	}
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ledger, err := usage.Open(cfg.UsageDB, logger)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}
	defer ledger.Close()

	records := make([]usage.Record, len(args))
	g, gctx := errgroup.WithContext(cmd.Context())
	for i, id := range args {
		i, id := i, id
		g.Go(func() error {
			rec, err := ledger.Get(gctx, id)
			records[i] = rec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tNAME\tPROMPT\tCOMPLETION\tTOTAL")
	for i, rec := range records {
		name := rec.UserName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", args[i], name, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)
	}
	return w.Flush()
}
