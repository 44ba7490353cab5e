// convoflow command line entry point.
//
// Usage:
//
//	convoflow chat                         # interactive session in the terminal
//	convoflow chat --config config.yaml    # with a config file
//	convoflow compact --session <id>       # force one compression cycle
//	convoflow prune --max-idle 720h        # drop long-inactive stored sessions
//	convoflow version                      # show version information
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/convoflow-dev/convoflow"
	"github.com/convoflow-dev/convoflow/budget"
	"github.com/convoflow-dev/convoflow/config"
	"github.com/convoflow-dev/convoflow/internal/telemetry"
	"github.com/convoflow-dev/convoflow/session"
	"github.com/convoflow-dev/convoflow/tokenizer"
	"github.com/convoflow-dev/convoflow/types"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "chat":
		runChat(os.Args[2:])
	case "compact":
		runCompact(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runChat starts an interactive loop: each line of input becomes a user
// turn and the assembled prompt window is printed back.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	sessionID := fs.String("session", "", "Resume an existing session ID")
	fs.Parse(args)

	cfg, logger, cleanup := bootstrap(*configPath)
	defer cleanup()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()

	tokenizer.RegisterOpenAITokenizers()

	eng, err := convoflow.New(cfg, convoflow.WithStore(store), convoflow.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := resumeOrStart(ctx, eng, *sessionID)
	if err != nil {
		logger.Fatal("Failed to open session", zap.Error(err))
	}
	fmt.Printf("session %s (model %s), ^D to quit\n", s.ID, s.Model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		msgs, err := eng.RunTurn(ctx, s.ID, line)
		if err != nil {
			logger.Error("turn failed", zap.Error(err))
			continue
		}
		printWindow(msgs)

		if ctx.Err() != nil {
			break
		}
	}
	fmt.Println()
}

// runCompact forces one compression cycle on a stored session.
func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	sessionID := fs.String("session", "", "Session ID to compact")
	fs.Parse(args)

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "compact requires --session")
		os.Exit(1)
	}

	cfg, logger, cleanup := bootstrap(*configPath)
	defer cleanup()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()

	eng, err := convoflow.New(cfg, convoflow.WithStore(store), convoflow.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}
	defer eng.Close()

	compressed, err := eng.CompressIfDue(context.Background(), *sessionID)
	if err != nil {
		logger.Fatal("Compression failed", zap.Error(err))
	}
	if compressed {
		fmt.Println("compressed")
	} else {
		fmt.Println("nothing to do")
	}
}

// runStats prints size and activity figures for a stored session.
func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	sessionID := fs.String("session", "", "Session ID to inspect")
	fs.Parse(args)

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "stats requires --session")
		os.Exit(1)
	}

	cfg, logger, cleanup := bootstrap(*configPath)
	defer cleanup()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()

	s, err := store.Get(context.Background(), *sessionID)
	if err != nil {
		logger.Fatal("Failed to load session", zap.Error(err))
	}

	bud := budget.New(tokenizer.ForModelOrEstimator(s.Model))
	fmt.Printf("session:       %s\n", s.ID)
	fmt.Printf("model:         %s\n", s.Model)
	fmt.Printf("messages:      %d\n", len(s.Messages))
	fmt.Printf("est. tokens:   %d\n", bud.EstimateMessagesTokens(s.Messages))
	fmt.Printf("summary:       %d tokens\n", bud.EstimateTokens(s.MemorySummary))
	fmt.Printf("version:       %d\n", s.Version)
	fmt.Printf("last active:   %s\n", s.LastActiveAt.Format(time.RFC3339))
}

// runPrune removes database sessions idle longer than the threshold.
func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	maxIdle := fs.Duration("max-idle", 30*24*time.Hour, "Drop sessions inactive longer than this")
	fs.Parse(args)

	cfg, logger, cleanup := bootstrap(*configPath)
	defer cleanup()

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	cold, err := session.NewGormStore(db)
	if err != nil {
		logger.Fatal("Failed to open session table", zap.Error(err))
	}

	n, err := cold.PruneInactive(context.Background(), *maxIdle)
	if err != nil {
		logger.Fatal("Prune failed", zap.Error(err))
	}
	fmt.Printf("pruned %d sessions\n", n)
}

func printVersion() {
	fmt.Printf("convoflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`convoflow - conversation context engine

Usage:
  convoflow <command> [options]

Commands:
  chat      Interactive session; each input line becomes a turn
  compact   Force one compression cycle on a session
  stats     Print size and activity figures for a session
  prune     Drop long-inactive sessions from the database
  version   Show version information
  help      Show this help message

Options:
  --config <path>    Path to configuration file (YAML)
  --session <id>     Session ID (chat resumes it, compact requires it)
  --max-idle <dur>   Idle threshold for prune (default 720h)

Examples:
  convoflow chat
  convoflow chat --config /etc/convoflow/config.yaml --session 7d3b...
  convoflow compact --session 7d3b...
  convoflow prune --max-idle 168h`)
}

// bootstrap loads config, builds the logger and starts telemetry. The
// returned cleanup flushes the logger and shuts telemetry down.
func bootstrap(configPath string) (*config.Config, *zap.Logger, func()) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)

	logger.Info("Starting convoflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	cleanup := func() {
		if providers != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}
		logger.Sync()
	}
	return cfg, logger, cleanup
}

// resumeOrStart loads the named session or creates a new one.
func resumeOrStart(ctx context.Context, eng *convoflow.Engine, id string) (*types.Session, error) {
	if id != "" {
		return eng.Session(ctx, id)
	}
	return eng.StartSession(ctx, "")
}

func printWindow(msgs []types.Message) {
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolResults) > 0 {
			content = m.ToolResults[0].Content
		}
		fmt.Printf("[%s] %s\n", m.Role, content)
	}
}

// openStore builds the session store the config asks for. The returned
// close function releases whatever connections were opened.
func openStore(cfg *config.Config, logger *zap.Logger) (session.Store, func(), error) {
	noop := func() {}

	switch cfg.Storage.Backend {
	case "memory", "":
		return session.NewMemoryStore(), noop, nil

	case "redis":
		rdb := newRedisClient(cfg.Redis)
		store := session.NewRedisStore(rdb, cfg.Storage.SessionTTL, logger)
		if err := store.Ping(context.Background()); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("redis unavailable: %w", err)
		}
		return store, func() { rdb.Close() }, nil

	case "database":
		db, err := openDatabase(cfg.Database, logger)
		if err != nil {
			return nil, noop, err
		}
		cold, err := session.NewGormStore(db)
		if err != nil {
			return nil, noop, err
		}
		return session.NewColdOnlyStore(cold), noop, nil

	case "hybrid":
		db, err := openDatabase(cfg.Database, logger)
		if err != nil {
			return nil, noop, err
		}
		cold, err := session.NewGormStore(db)
		if err != nil {
			return nil, noop, err
		}
		rdb := newRedisClient(cfg.Redis)
		hybrid := session.NewHybridStore(rdb, cold, cfg.Storage.SessionTTL, logger)
		ctx, cancel := context.WithCancel(context.Background())
		hybrid.StartPersistWorker(ctx)
		return hybrid, func() {
			hybrid.Close()
			cancel()
			rdb.Close()
		}, nil

	default:
		return nil, noop, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// openDatabase opens the configured cold store connection.
func openDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if cfg.MaxOpenConns > 0 || cfg.MaxIdleConns > 0 || cfg.ConnMaxLifetime > 0 {
		sqlDB, err := db.DB()
		if err == nil {
			if cfg.MaxOpenConns > 0 {
				sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			if cfg.MaxIdleConns > 0 {
				sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
			}
			if cfg.ConnMaxLifetime > 0 {
				sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			}
		}
	}

	logger.Info("Database connected", zap.String("driver", cfg.Driver))
	return db, nil
}
