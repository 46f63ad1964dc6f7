package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/servibot/servibot/internal/api"
	"github.com/servibot/servibot/internal/backend"
	"github.com/servibot/servibot/internal/chain"
	"github.com/servibot/servibot/internal/followup"
	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/identity"
	"github.com/servibot/servibot/internal/intent"
	"github.com/servibot/servibot/internal/lockfile"
	"github.com/servibot/servibot/internal/messaging"
	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/orchestrator"
	"github.com/servibot/servibot/internal/scheduler"
	"github.com/servibot/servibot/internal/stage"
	"github.com/servibot/servibot/internal/store"
	"github.com/servibot/servibot/internal/tools"
	"github.com/servibot/servibot/internal/twilio"
	"github.com/servibot/servibot/internal/util"
	"github.com/servibot/servibot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for servibot state data
	DefaultStateDir = "/var/lib/servibot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "servibot.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultFollowupCron runs the re-engagement sweep once a day mid-morning
	DefaultFollowupCron = "0 10 * * *"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping servibot with configured modules")
	if err := run(config, flags); err != nil {
		slog.Error("servibot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("servibot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	WhatsAppDSN     string
	StateDir        string
	OpenAIKey       string
	APIAddr         string
	APIKey          string
	BackendURL      string
	BackendKey      string
	ChainRulesPath  string
	CountryCode     string
	FollowupCron    string
	TestMode        bool
	TestAllowList   []string
	TwilioEnabled   bool
	WhatsAppEnabled bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	dbDSN      *string
	waDSN      *string
	openaiKey  *string
	apiAddr    *string
	backendURL *string
	chainRules *string
	testMode   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:        os.Getenv("SERVIBOT_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		APIKey:          os.Getenv("SERVIBOT_API_KEY"),
		BackendURL:      os.Getenv("BACKEND_BASE_URL"),
		BackendKey:      os.Getenv("BACKEND_API_KEY"),
		ChainRulesPath:  os.Getenv("CHAIN_RULES_PATH"),
		CountryCode:     os.Getenv("DEFAULT_COUNTRY_CODE"),
		FollowupCron:    os.Getenv("FOLLOWUP_CRON"),
		TestMode:        util.ParseBoolEnv("SERVIBOT_TEST_MODE", false),
		TwilioEnabled:   util.ParseBoolEnv("TWILIO_ENABLED", false),
		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", true),
	}
	if allow := os.Getenv("SERVIBOT_TEST_ALLOW_LIST"); allow != "" {
		config.TestAllowList = strings.Split(allow, ",")
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SERVIBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.FollowupCron == "" {
		config.FollowupCron = DefaultFollowupCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"SERVIBOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BACKEND_BASE_URL_SET", config.BackendURL != "",
		"CHAIN_RULES_PATH", config.ChainRulesPath,
		"TEST_MODE", config.TestMode,
		"TWILIO_ENABLED", config.TwilioEnabled,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:   flag.String("qr-output", "", "path to write login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for servibot data (overrides $SERVIBOT_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		waDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp device store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:  flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backendURL: flag.String("backend-url", config.BackendURL, "business backend base URL (overrides $BACKEND_BASE_URL)"),
		chainRules: flag.String("chain-rules", config.ChainRulesPath, "path to the chain rules YAML file (overrides $CHAIN_RULES_PATH)"),
		testMode:   flag.Bool("test-mode", config.TestMode, "enable the outbound test-mode guard (overrides $SERVIBOT_TEST_MODE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backendURL_set", *flags.backendURL != "",
		"chainRules", *flags.chainRules,
		"testMode", *flags.testMode)

	// Re-derive file-based defaults when the state directory was overridden.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.waDSN == filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) {
			*flags.waDSN = filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore constructs the session store for the configured DSN, with the
// stage merge function installed so flag normalization runs on every write.
func buildStore(flags Flags) (store.Store, error) {
	opts := []store.Option{
		store.WithDSN(*flags.dbDSN),
		store.WithMergeFunc(stage.MergeStateWithStage),
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(opts...)
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(opts...)
}

// buildWhatsAppOptions constructs WhatsApp client options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildIntentOptions constructs intent classifier options
func buildIntentOptions(flags Flags) []intent.Option {
	var intentOpts []intent.Option
	if *flags.openaiKey != "" {
		intentOpts = append(intentOpts, intent.WithAPIKey(*flags.openaiKey))
	}
	return intentOpts
}

// buildBackendOptions constructs business backend client options
func buildBackendOptions(config Config, flags Flags) []backend.Option {
	var backendOpts []backend.Option
	if *flags.backendURL != "" {
		backendOpts = append(backendOpts, backend.WithBaseURL(*flags.backendURL))
	}
	if config.BackendKey != "" {
		backendOpts = append(backendOpts, backend.WithAPIKey(config.BackendKey))
	}
	return backendOpts
}

// buildAPIOptions constructs admin API server options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.APIKey != "" {
		apiOpts = append(apiOpts, api.WithAPIKey(config.APIKey))
	}
	return apiOpts
}

func run(config Config, flags Flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	var normOpts []identity.Option
	if config.CountryCode != "" {
		normOpts = append(normOpts, identity.WithCountryCode(config.CountryCode))
	}
	normalizer := identity.NewNormalizer(normOpts...)

	g := guard.New(
		guard.WithTestMode(*flags.testMode),
		guard.WithAllowList(config.TestAllowList),
	)

	be, err := backend.NewHTTPBackend(buildBackendOptions(config, flags)...)
	if err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(be, g)

	classifier, err := intent.NewOpenAIClassifier(buildIntentOptions(flags)...)
	if err != nil {
		return err
	}

	var orchOpts []orchestrator.Option
	if *flags.chainRules != "" {
		rules, err := chain.LoadRules(*flags.chainRules)
		if err != nil {
			return err
		}
		slog.Info("Chain rules loaded", "path", *flags.chainRules, "count", len(rules))
		orchOpts = append(orchOpts, orchestrator.WithChainRules(rules))
	}
	orch := orchestrator.New(st, normalizer, classifier, dispatcher, orchOpts...)

	var services []messaging.Service
	if config.WhatsAppEnabled {
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return err
		}
		services = append(services, messaging.NewWhatsAppService(waClient))
	}

	var twilioSvc *messaging.TwilioService
	if config.TwilioEnabled {
		twilioClient, err := twilio.NewClient()
		if err != nil {
			return err
		}
		twilioSvc = messaging.NewTwilioService(twilioClient)
		services = append(services, twilioSvc)
	}
	if len(services) == 0 {
		slog.Warn("No messaging transports enabled; only the admin API will run")
	}

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}

	responder := messaging.NewResponder(orch, g, services)
	responder.Start(ctx)

	sweeper := followup.NewSweeper(st, g, services)
	sched := scheduler.NewScheduler()
	if err := sched.AddJob(config.FollowupCron, func() {
		sweeper.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule follow-up sweep: %w", err)
	}
	slog.Info("Follow-up sweep scheduled", "cron", config.FollowupCron)

	server := api.NewServer(st, g, normalizer, buildAPIOptions(config, flags)...)
	if twilioSvc != nil {
		server.MountWebhook(string(models.ChannelSMS), twilioSvc.WebhookHandler)
	}
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	sched.Stop()
	if err := server.Stop(); err != nil {
		slog.Error("Failed to stop API server", "error", err)
	}
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err, "channel", svc.Channel())
		}
	}
	responder.Wait()
	return nil
}
