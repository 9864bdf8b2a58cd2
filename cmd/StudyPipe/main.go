package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/api"
	"github.com/BTreeMap/StudyPipe/internal/backend"
	"github.com/BTreeMap/StudyPipe/internal/batch"
	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/BTreeMap/StudyPipe/internal/lockfile"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
	"github.com/BTreeMap/StudyPipe/internal/reachability"
	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/BTreeMap/StudyPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StudyPipe state data
	DefaultStateDir = "/var/lib/studypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "studypipe.db"
	// DefaultStudyConfigFileName is the study file looked up in the state directory
	DefaultStudyConfigFileName = "study.yaml"
)

func main() {
	initializeLogger()

	env := loadEnvironmentConfig()
	flags := parseCommandLineFlags(env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping StudyPipe", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr,
		"dsn_type", store.DetectDSNType(*flags.dbDSN), "backend_set", *flags.backendURL != "")
	if err := run(ctx, flags); err != nil {
		slog.Error("StudyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StudyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DBDSN         string
	APIAddr       string
	StudyConfig   string
	BackendURL    string
	BackendToken  string
	SectionGroups string
	Debug         bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	studyConfig   *string
	backendURL    *string
	backendToken  *string
	sectionGroups *string
}

// initializeLogger sets up structured logging; STUDYPIPE_DEBUG enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("STUDYPIPE_DEBUG", false) {
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

	cfg := Config{
		StateDir:      util.StringEnv(DefaultStateDir, "STUDYPIPE_STATE_DIR"),
		DBDSN:         util.StringEnv("", "STUDYPIPE_DB_DSN", "DATABASE_URL"),
		APIAddr:       util.StringEnv(api.DefaultAddr, "API_ADDR"),
		StudyConfig:   os.Getenv("STUDY_CONFIG"),
		BackendURL:    os.Getenv("BACKEND_URL"),
		BackendToken:  os.Getenv("BACKEND_TOKEN"),
		SectionGroups: os.Getenv("ONBOARDING_SECTION_GROUPS"),
		Debug:         util.ParseBoolEnv("STUDYPIPE_DEBUG", false),
	}

	if cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", cfg.DBDSN)
	}
	if cfg.StudyConfig == "" {
		cfg.StudyConfig = filepath.Join(cfg.StateDir, DefaultStudyConfigFileName)
	}

	slog.Debug("environment variables loaded",
		"STUDYPIPE_STATE_DIR", cfg.StateDir,
		"DB_DSN_SET", cfg.DBDSN != "",
		"API_ADDR", cfg.APIAddr,
		"STUDY_CONFIG", cfg.StudyConfig,
		"BACKEND_URL", cfg.BackendURL,
		"BACKEND_TOKEN_SET", cfg.BackendToken != "",
		"ONBOARDING_SECTION_GROUPS", cfg.SectionGroups)
	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(env Config) Flags {
	return parseFlagSet(flag.CommandLine, os.Args[1:], env)
}

func parseFlagSet(fs *flag.FlagSet, args []string, env Config) Flags {
	flags := Flags{
		stateDir:      fs.String("state-dir", env.StateDir, "state directory for StudyPipe data (overrides $STUDYPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", env.DBDSN, "store DSN: SQLite path, postgres:// URL or pebble://dir (overrides $STUDYPIPE_DB_DSN or $DATABASE_URL)"),
		apiAddr:       fs.String("api-addr", env.APIAddr, "API server address (overrides $API_ADDR)"),
		studyConfig:   fs.String("study-config", env.StudyConfig, "study YAML file (overrides $STUDY_CONFIG)"),
		backendURL:    fs.String("backend-url", env.BackendURL, "study backend base URL (overrides $BACKEND_URL)"),
		backendToken:  fs.String("backend-token", env.BackendToken, "study backend bearer token (overrides $BACKEND_TOKEN)"),
		sectionGroups: fs.String("section-groups", env.SectionGroups, "';'-separated onboarding section groups (overrides $ONBOARDING_SECTION_GROUPS)"),
	}
	fs.Parse(args)

	// Follow a changed state directory when the DSN is still the derived default.
	defaultDSN := filepath.Join(env.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != env.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	if *flags.studyConfig == filepath.Join(env.StateDir, DefaultStudyConfigFileName) && *flags.stateDir != env.StateDir {
		*flags.studyConfig = filepath.Join(*flags.stateDir, DefaultStudyConfigFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"studyConfig", *flags.studyConfig,
		"backendURL", *flags.backendURL,
		"sectionGroups", *flags.sectionGroups)
	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(dsn string) []store.Option {
	if dsn == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	switch store.DetectDSNType(dsn) {
	case store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	case store.DSNTypePebble:
		dir := strings.TrimPrefix(dsn, store.PebbleDSNPrefix)
		slog.Debug("Detected Pebble DSN, configuring Pebble store", "dir", dir)
		return []store.Option{store.WithPebbleDir(dir)}
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		return []store.Option{store.WithSQLiteDSN(dsn)}
	}
}

// resolveSectionGroups prefers the explicit list over the study file.
func resolveSectionGroups(list string, cfg *config.Config) []onboarding.SectionGroup {
	if strings.TrimSpace(list) != "" {
		return onboarding.ParseSectionGroups(list)
	}
	return cfg.SectionGroups()
}

func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(*flags.dbDSN)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	studyCfg, err := config.Load(*flags.studyConfig)
	if err != nil {
		return err
	}

	provider := onboarding.NewProvider()
	groups := resolveSectionGroups(*flags.sectionGroups, studyCfg)
	provider.Initialize(groups)
	slog.Info("Onboarding configured", "groups", groups)
	tracker := onboarding.NewTracker(st, provider)

	var uploader *batch.Uploader[device.Data]
	if *flags.backendURL != "" {
		uploader, err = startDeviceUploader(ctx, flags, studyCfg, st)
		if err != nil {
			return err
		}
		defer uploader.Stop()
	} else {
		slog.Warn("No backend URL configured, device data uploads disabled")
	}

	// A nil *Uploader must not reach the interface parameter.
	var server *api.Server
	if uploader != nil {
		server = api.NewServer(provider, tracker, uploader)
	} else {
		server = api.NewServer(provider, tracker, nil)
	}
	if err := server.Run(ctx, *flags.apiAddr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startDeviceUploader(ctx context.Context, flags Flags, studyCfg *config.Config, st store.Store) (*batch.Uploader[device.Data], error) {
	client := backend.NewClient(*flags.backendURL,
		backend.WithToken(*flags.backendToken),
		backend.WithRetryCount(2),
	)

	monitor := reachability.NewMonitor(client.Ping, studyCfg.Reachability.Interval.Std(), studyCfg.Reachability.Timeout.Std())
	monitor.Check(ctx)
	go monitor.Run(ctx)

	uploader, err := batch.NewUploader(studyCfg.DeviceUploaderConfig(), batch.NewStorage[device.Data](st), monitor)
	if err != nil {
		return nil, fmt.Errorf("failed to create device uploader: %w", err)
	}
	// Samples arrive through the API; the timer only paces the uploader.
	noSample := func() (device.Data, bool) { return device.Data{}, false }
	if err := uploader.Setup(ctx, noSample, client.UploadDeviceBuffer); err != nil {
		return nil, fmt.Errorf("failed to start device uploader: %w", err)
	}
	slog.Info("Device uploader started", "identifier", uploader.Identifier(),
		"upload_interval", time.Duration(studyCfg.DeviceData.UploadInterval))
	return uploader, nil
}
