// ChatPipe is a WhatsApp chatbot service that routes inbound messages
// through keyword rules, multi-step conversation flows, and an optional
// AI fallback.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/api"
	"github.com/BTreeMap/ChatPipe/internal/flow"
	"github.com/BTreeMap/ChatPipe/internal/genai"
	"github.com/BTreeMap/ChatPipe/internal/guard"
	"github.com/BTreeMap/ChatPipe/internal/lockfile"
	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/router"
	"github.com/BTreeMap/ChatPipe/internal/scheduler"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/BTreeMap/ChatPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatPipe/internal/util"
	"github.com/BTreeMap/ChatPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatPipe state data
	DefaultStateDir = "/var/lib/chatpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatpipe.db"
	// DefaultAccount is the account label applied to routed messages when
	// none is configured.
	DefaultAccount = "default"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one ChatPipe instance may own a state directory at a time.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ChatPipe with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("ChatPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatPipe exited successfully")
}

// run wires the modules together and blocks until the context is cancelled.
func run(ctx context.Context, flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	reentrancyGuard, err := buildGuard(flags)
	if err != nil {
		return err
	}

	executor := flow.NewFuncExecutor()
	engine := flow.NewEngine(st, flow.WithExecutor(executor))

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	routerOpts := []router.Option{
		router.WithGuard(reentrancyGuard),
		router.WithExecutor(executor),
	}
	if responder := buildResponder(st, flags); responder != nil {
		routerOpts = append(routerOpts, router.WithResponder(responder))
	}
	processor := router.NewProcessor(st, engine, msgService, routerOpts...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweeper := scheduler.NewSweeper(st, sessionTTLSource(st),
		scheduler.WithBatchSize(util.ParseIntEnv("SESSION_SWEEP_BATCH", scheduler.DefaultSweepBatch)))
	if err := sched.AddJob(*flags.sweepSpec, func() { sweeper.Run() }); err != nil {
		return err
	}
	slog.Info("Session sweep scheduled", "spec", *flags.sweepSpec)

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Warn("Messaging service stop failed", "error", err)
		}
	}()
	go processor.HandleInbound(ctx)

	server := api.NewServer(st, processor, msgService,
		api.WithAddr(*flags.apiAddr),
		api.WithSweeper(sweeper))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		return server.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Config holds environment configuration
type Config struct {
	DatabaseDSN string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	RedisAddr   string
	Backend     string
	Account     string
	SweepSpec   string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	redisAddr *string
	backend   *string
	account   *string
	sweepSpec *string
}

// initializeLogger sets up structured logging. CHATPIPE_DEBUG enables
// debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CHATPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseDSN: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CHATPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		Backend:     os.Getenv("MESSAGING_BACKEND"),
		Account:     os.Getenv("CHATPIPE_ACCOUNT"),
		SweepSpec:   os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.Account == "" {
		config.Account = DefaultAccount
	}
	if config.SweepSpec == "" {
		config.SweepSpec = scheduler.DefaultSweepSpec
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseDSN != "",
		"CHATPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"MESSAGING_BACKEND", config.Backend,
		"CHATPIPE_ACCOUNT", config.Account,
		"SWEEP_SCHEDULE", config.SweepSpec)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ChatPipe data (overrides $CHATPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseDSN, "database DSN for the chatbot store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr: flag.String("redis-addr", config.RedisAddr, "Redis address for the reentrancy guard (overrides $REDIS_ADDR)"),
		backend:   flag.String("messaging-backend", config.Backend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		account:   flag.String("account", config.Account, "account label for routed messages (overrides $CHATPIPE_ACCOUNT)"),
		sweepSpec: flag.String("sweep-schedule", config.SweepSpec, "cron schedule for the idle-session sweep (overrides $SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"redisAddr_set", *flags.redisAddr != "",
		"backend", *flags.backend,
		"account", *flags.account,
		"sweepSpec", *flags.sweepSpec)

	// Follow an overridden state directory when the DSN was only defaulted
	// from the original one.
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStore selects the store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGuard selects the reentrancy guard backend. With no Redis address the
// guard is process-local, which is sufficient for a single instance.
func buildGuard(flags Flags) (guard.Guard, error) {
	if *flags.redisAddr == "" {
		slog.Debug("No Redis address provided, using in-process reentrancy guard")
		return guard.NewMemoryGuard(), nil
	}
	slog.Debug("Configuring Redis reentrancy guard", "addr", *flags.redisAddr)
	return guard.NewRedisGuard(guard.WithRedisAddr(*flags.redisAddr))
}

// buildMessagingService selects the messaging backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch strings.ToLower(*flags.backend) {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		slog.Info("Using Twilio messaging backend", "account", *flags.account)
		return messaging.NewTwilioService(client, *flags.account), nil
	default:
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		slog.Info("Using WhatsApp messaging backend", "account", *flags.account)
		return messaging.NewWhatsAppService(client, *flags.account), nil
	}
}

// buildResponder constructs the AI fallback responder when it is configured.
// A missing or incomplete AI configuration disables the fallback rather than
// failing startup; routing degrades to the static default response.
func buildResponder(st store.Store, flags Flags) router.AIResponder {
	cfg := models.AIConfig{APIKey: *flags.openaiKey}
	if settings, err := st.GetSettings(); err == nil && settings != nil && settings.EnableAI {
		cfg = settings.AI
		if cfg.APIKey == "" {
			cfg.APIKey = *flags.openaiKey
		}
	}
	if cfg.APIKey == "" {
		slog.Debug("No AI API key configured, AI fallback disabled")
		return nil
	}
	responder, err := genai.NewResponder(genai.WithConfig(cfg))
	if err != nil {
		slog.Warn("Failed to configure AI responder, AI fallback disabled", "error", err)
		return nil
	}
	slog.Info("AI fallback responder configured")
	return responder
}

// sessionTTLSource reads the session TTL from the live settings so sweep
// runs always honor the current configuration. The sweeper falls back to
// its default when no TTL is configured.
func sessionTTLSource(st store.Store) func() time.Duration {
	return func() time.Duration {
		settings, err := st.GetSettings()
		if err != nil || settings == nil {
			return 0
		}
		return settings.SessionTTL
	}
}
