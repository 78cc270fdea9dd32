package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BranchLine/FunnelPipe/internal/dispatch"
	"github.com/BranchLine/FunnelPipe/internal/identity"
	"github.com/BranchLine/FunnelPipe/internal/messaging"
	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/notify"
	"github.com/BranchLine/FunnelPipe/internal/provider"
	"github.com/BranchLine/FunnelPipe/internal/quota"
	"github.com/BranchLine/FunnelPipe/internal/store"
	"github.com/BranchLine/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BranchLine/FunnelPipe/internal/util"
	"github.com/BranchLine/FunnelPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "funnelpipe.db"
	// DefaultIdentityID is the identity registered when no pool file is given
	DefaultIdentityID = "primary"
	// DefaultStatusRefreshInterval is how often session status feeds the registry
	DefaultStatusRefreshInterval = 30 * time.Second
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping FunnelPipe with configured modules")
	if err := run(flags); err != nil && err != context.Canceled {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	WhatsAppDSN    string
	IdentitiesFile string
	PackagesFile   string
	OpenAIKey      string
	AnthropicKey   string
	DeepSeekKey    string
	DeepSeekURL    string
	GroqKey        string
	GroqURL        string
	TwilioFrom     string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	identitiesFile *string
	packagesFile   *string
	openaiKey      *string
	anthropicKey   *string
	deepseekKey    *string
	deepseekURL    *string
	groqKey        *string
	groqURL        *string
	twilioFrom     *string
}

// initializeLogger sets up structured logging. Level comes from $LOG_LEVEL
// (debug, info, warn, error) and defaults to info.
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
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
		StateDir:       os.Getenv("FUNNELPIPE_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		IdentitiesFile: os.Getenv("IDENTITIES_FILE"),
		PackagesFile:   os.Getenv("PACKAGES_FILE"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		DeepSeekKey:    os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekURL:    os.Getenv("DEEPSEEK_BASE_URL"),
		GroqKey:        os.Getenv("GROQ_API_KEY"),
		GroqURL:        os.Getenv("GROQ_BASE_URL"),
		TwilioFrom:     os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FUNNELPIPE_STATE_DIR set, using default", "state_dir", config.StateDir)
	}

	// The conversation store and the WhatsApp session store can share one
	// Postgres database or live in separate SQLite files.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		if store.DetectDSNType(config.DatabaseURL) == "postgres" {
			config.WhatsAppDSN = config.DatabaseURL
		} else {
			config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
		}
	}

	slog.Debug("environment variables loaded",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ANTHROPIC_API_KEY_SET", config.AnthropicKey != "",
		"DEEPSEEK_API_KEY_SET", config.DeepSeekKey != "",
		"GROQ_API_KEY_SET", config.GroqKey != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for FunnelPipe data (overrides $FUNNELPIPE_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the conversation store (overrides $DATABASE_URL)"),
		waDSN:          flag.String("wa-dsn", config.WhatsAppDSN, "database DSN for WhatsApp sessions (overrides $WHATSAPP_DB_DSN)"),
		identitiesFile: flag.String("identities", config.IdentitiesFile, "JSON file describing the sending identity pool (overrides $IDENTITIES_FILE)"),
		packagesFile:   flag.String("packages", config.PackagesFile, "JSON file with the package catalog to seed (overrides $PACKAGES_FILE)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		anthropicKey:   flag.String("anthropic-api-key", config.AnthropicKey, "Anthropic API key (overrides $ANTHROPIC_API_KEY)"),
		deepseekKey:    flag.String("deepseek-api-key", config.DeepSeekKey, "DeepSeek API key (overrides $DEEPSEEK_API_KEY)"),
		deepseekURL:    flag.String("deepseek-base-url", config.DeepSeekURL, "DeepSeek API base URL (overrides $DEEPSEEK_BASE_URL)"),
		groqKey:        flag.String("groq-api-key", config.GroqKey, "Groq API key (overrides $GROQ_API_KEY)"),
		groqURL:        flag.String("groq-base-url", config.GroqURL, "Groq API base URL (overrides $GROQ_BASE_URL)"),
		twilioFrom:     flag.String("twilio-from", config.TwilioFrom, "Twilio-hosted WhatsApp number (overrides $TWILIO_FROM_NUMBER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"identitiesFile", *flags.identitiesFile,
		"packagesFile", *flags.packagesFile)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if store.DetectDSNType(dsn) != "sqlite3" {
			continue
		}
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// openStore picks the store backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildWhatsAppOptions constructs WhatsApp session manager options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// loadIdentities reads the identity pool from the configured JSON file, or
// falls back to a single identity from $IDENTITY_PHONE_NUMBER.
func loadIdentities(flags Flags) ([]models.SendingIdentity, error) {
	if *flags.identitiesFile != "" {
		data, err := os.ReadFile(*flags.identitiesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read identities file: %w", err)
		}
		var pool []models.SendingIdentity
		if err := json.Unmarshal(data, &pool); err != nil {
			return nil, fmt.Errorf("failed to parse identities file: %w", err)
		}
		if len(pool) == 0 {
			return nil, fmt.Errorf("identities file %s holds no identities", *flags.identitiesFile)
		}
		return pool, nil
	}

	phone := os.Getenv("IDENTITY_PHONE_NUMBER")
	if phone == "" {
		return nil, fmt.Errorf("no identity pool configured: set -identities or $IDENTITY_PHONE_NUMBER")
	}
	return []models.SendingIdentity{{
		ID:          DefaultIdentityID,
		PhoneNumber: phone,
		Channel:     models.ChannelWhatsmeow,
		DailyLimit:  util.ParseIntEnv("IDENTITY_DAILY_LIMIT", quota.DefaultLimits().DayLimit),
		RiskTier:    models.RiskTierLow,
	}}, nil
}

// seedPackages loads the package catalog file into the store, if configured.
func seedPackages(ctx context.Context, st store.Store, flags Flags) error {
	if *flags.packagesFile == "" {
		return nil
	}
	data, err := os.ReadFile(*flags.packagesFile)
	if err != nil {
		return fmt.Errorf("failed to read packages file: %w", err)
	}
	var packages []models.Package
	if err := json.Unmarshal(data, &packages); err != nil {
		return fmt.Errorf("failed to parse packages file: %w", err)
	}
	if err := st.SeedPackages(ctx, packages); err != nil {
		return fmt.Errorf("failed to seed packages: %w", err)
	}
	slog.Info("Package catalog seeded", "count", len(packages))
	return nil
}

// buildProviderChain registers one adapter per configured API key and returns
// the priority-ordered descriptors for the router.
func buildProviderChain(flags Flags) (*provider.Registry, []models.ProviderDescriptor, error) {
	registry := provider.NewRegistry()
	var descriptors []models.ProviderDescriptor

	if *flags.anthropicKey != "" {
		adapter, err := provider.NewAnthropicAdapter(*flags.anthropicKey)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, err
		}
		descriptors = append(descriptors, models.ProviderDescriptor{
			Name:     adapter.Name(),
			Priority: util.ParseIntEnv("ANTHROPIC_PRIORITY", 1),
			Enabled:  true,
			Model:    envOrDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		})
	}
	if *flags.openaiKey != "" {
		adapter, err := provider.NewOpenAIAdapter(*flags.openaiKey)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, err
		}
		descriptors = append(descriptors, models.ProviderDescriptor{
			Name:     adapter.Name(),
			Priority: util.ParseIntEnv("OPENAI_PRIORITY", 2),
			Enabled:  true,
			Model:    envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		})
	}
	if *flags.deepseekKey != "" {
		baseURL := *flags.deepseekURL
		if baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		adapter, err := provider.NewCompatAdapter("deepseek", *flags.deepseekKey, baseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, err
		}
		descriptors = append(descriptors, models.ProviderDescriptor{
			Name:     adapter.Name(),
			Priority: util.ParseIntEnv("DEEPSEEK_PRIORITY", 3),
			Enabled:  true,
			Model:    envOrDefault("DEEPSEEK_MODEL", "deepseek-chat"),
			BaseURL:  baseURL,
		})
	}
	if *flags.groqKey != "" {
		baseURL := *flags.groqURL
		if baseURL == "" {
			baseURL = "https://api.groq.com/openai/v1"
		}
		adapter, err := provider.NewCompatAdapter("groq", *flags.groqKey, baseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, err
		}
		descriptors = append(descriptors, models.ProviderDescriptor{
			Name:     adapter.Name(),
			Priority: util.ParseIntEnv("GROQ_PRIORITY", 4),
			Enabled:  true,
			Model:    envOrDefault("GROQ_MODEL", "llama-3.1-70b-versatile"),
			BaseURL:  baseURL,
		})
	}

	if len(descriptors) == 0 {
		return nil, nil, fmt.Errorf("no provider API keys configured")
	}
	return registry, descriptors, nil
}

// buildQuotaLimits reads limit overrides from the environment.
func buildQuotaLimits() quota.Limits {
	limits := quota.DefaultLimits()
	limits.MinuteLimit = util.ParseIntEnv("QUOTA_MINUTE_LIMIT", limits.MinuteLimit)
	limits.HourLimit = util.ParseIntEnv("QUOTA_HOUR_LIMIT", limits.HourLimit)
	limits.DayLimit = util.ParseIntEnv("QUOTA_DAY_LIMIT", limits.DayLimit)
	limits.Cooldown = util.ParseDurationEnv("QUOTA_COOLDOWN", limits.Cooldown)
	limits.PacingMin = util.ParseDurationEnv("QUOTA_PACING_MIN", limits.PacingMin)
	limits.PacingMax = util.ParseDurationEnv("QUOTA_PACING_MAX", limits.PacingMax)
	return limits
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// statusReporter reports the live session status of an identity. Satisfied by
// *whatsapp.Manager.
type statusReporter interface {
	StatusOf(identityID string) models.ConnStatus
}

// refreshIdentityStatuses pushes the current session status of every direct
// WhatsApp identity into the registry.
func refreshIdentityStatuses(reporter statusReporter, identities *identity.Registry, pool []models.SendingIdentity) {
	for _, id := range pool {
		if id.Channel != models.ChannelWhatsmeow {
			continue
		}
		if err := identities.UpdateStatus(id.ID, reporter.StatusOf(id.ID)); err != nil {
			slog.Warn("Failed to update identity status", "error", err, "identityID", id.ID)
		}
	}
}

// run wires the modules together and supervises them until a signal arrives.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := seedPackages(ctx, st, flags); err != nil {
		return err
	}

	pool, err := loadIdentities(flags)
	if err != nil {
		return err
	}
	identities := identity.NewRegistry()
	for _, id := range pool {
		if err := identities.Register(id); err != nil {
			return fmt.Errorf("failed to register identity %s: %w", id.ID, err)
		}
	}

	manager, err := whatsapp.NewManager(buildWhatsAppOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create WhatsApp manager: %w", err)
	}
	defer manager.Disconnect()

	for _, id := range pool {
		if id.Channel != models.ChannelWhatsmeow {
			continue
		}
		if err := manager.Connect(ctx, id.ID, id.PhoneNumber); err != nil {
			return fmt.Errorf("failed to connect identity %s: %w", id.ID, err)
		}
	}
	refreshIdentityStatuses(manager, identities, pool)

	waService := messaging.NewWhatsAppService(manager)
	mux := messaging.NewMux(identities)
	mux.Bind(models.ChannelWhatsmeow, waService)
	if *flags.twilioFrom != "" {
		twilioClient, err := twiliowhatsapp.NewClient(twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		mux.Bind(models.ChannelTwilio, messaging.NewTwilioService(twilioClient))
	}

	registry, descriptors, err := buildProviderChain(flags)
	if err != nil {
		return err
	}
	router := provider.NewRouter(registry, descriptors, st)

	tracker := quota.NewTracker(quota.WithLimits(buildQuotaLimits()))
	hub := notify.NewHub()
	defer hub.Close()

	pipeline := dispatch.NewPipeline(st, tracker, router, mux, identities, hub)
	dispatcher := dispatch.NewDispatcher(pipeline)

	if err := waService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer waService.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx, waService.Responses())
	})
	g.Go(func() error {
		// Sessions drop and finish pairing while the process runs; the
		// selection policy filters on registry status, so it has to track the
		// live session state.
		interval := util.ParseDurationEnv("STATUS_REFRESH_INTERVAL", DefaultStatusRefreshInterval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				refreshIdentityStatuses(manager, identities, pool)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		events, cancel := hub.Subscribe()
		defer cancel()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				slog.Info("Dispatch event",
					"type", evt.Type, "identityID", evt.IdentityID,
					"customer", evt.CustomerPhone, "provider", evt.Provider)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	slog.Info("FunnelPipe running",
		"identities", len(pool), "providers", len(descriptors),
		"twilio", *flags.twilioFrom != "")
	return g.Wait()
}
