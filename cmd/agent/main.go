package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"accessgate/internal/api"
	"accessgate/internal/api/middleware"
	"accessgate/internal/cache"
	"accessgate/internal/event"
	"accessgate/internal/repository/postgres"
	"accessgate/internal/scheduler"
	schedulerjobs "accessgate/internal/scheduler/jobs"
	"accessgate/internal/service"
)

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	HotDatabase struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"hot_database"`
	ReportDatabase struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"report_database"`
	Log struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"log"`
	Security struct {
		ServerHMACSecret     string `mapstructure:"server_hmac_secret"`
		ServerHMACSecretFile string `mapstructure:"server_hmac_secret_file"`
		InternalToken        string `mapstructure:"internal_token"`
		InternalTokenFile    string `mapstructure:"internal_token_file"`
	} `mapstructure:"security"`
	Cache struct {
		SaveInterval            time.Duration `mapstructure:"save_interval"`
		SessionPermanentTimeout time.Duration `mapstructure:"session_permanent_timeout"`
	} `mapstructure:"cache"`
	Gateway struct {
		StatusInterval  time.Duration `mapstructure:"status_interval"`
		RedirectEnabled bool          `mapstructure:"redirect_enabled"`
		LogClientIP     bool          `mapstructure:"log_client_ip"`
		LogLocalPort    bool          `mapstructure:"log_local_port"`
	} `mapstructure:"gateway"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	Debug struct {
		PprofEnabled bool `mapstructure:"pprof_enabled"`
	} `mapstructure:"debug"`
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	isDebugMode := strings.EqualFold(cfg.App.Env, "development")
	if !isDebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	hotPool, err := newDBPool(context.Background(), cfg.HotDatabase.URL, cfg.HotDatabase.MaxConns, cfg.HotDatabase.PingTimeout)
	if err != nil {
		logger.Fatal("connect hot database failed", zap.Error(err))
	}
	defer hotPool.Close()

	reportPool, err := newDBPool(context.Background(), cfg.ReportDatabase.URL, cfg.ReportDatabase.MaxConns, cfg.ReportDatabase.PingTimeout)
	if err != nil {
		logger.Fatal("connect report database failed", zap.Error(err))
	}
	defer reportPool.Close()

	cycleRepo := postgres.NewCycleRepository(hotPool)
	repos := cache.Repos{
		Tokens:   postgres.NewTokenRepository(hotPool),
		Accesses: postgres.NewAccessRepository(hotPool),
		Devices:  postgres.NewDeviceRepository(hotPool),
		Sessions: postgres.NewSessionRepository(hotPool),
		Servers:  postgres.NewServerRepository(hotPool),
		Usages:   postgres.NewUsageRepository(hotPool),
		Cycles:   cycleRepo,
		Report:   postgres.NewReportRepository(reportPool),
	}

	store := cache.New(repos, cache.Config{
		SaveInterval:            cfg.Cache.SaveInterval,
		SessionPermanentTimeout: cfg.Cache.SessionPermanentTimeout,
	}, logger)
	defer store.Close()

	eventBus := event.NewBus()
	balancerSvc := service.NewBalancerService(store, cfg.Gateway.RedirectEnabled, logger)
	ledgerSvc := service.NewLedgerService(store, balancerSvc, eventBus, logger)
	serverSvc := service.NewServerService(store, eventBus, cfg.Gateway.StatusInterval, service.TrackingOptions{
		LogClientIP:  cfg.Gateway.LogClientIP,
		LogLocalPort: cfg.Gateway.LogLocalPort,
	}, logger)
	cycleSvc := service.NewCycleService(store, cycleRepo, logger)

	// Cycle state must be current before the first session is admitted.
	if _, err := cycleSvc.EnsureCurrent(context.Background()); err != nil {
		logger.Fatal("initial cycle check failed", zap.Error(err))
	}

	cronRunner := scheduler.NewScheduler(scheduler.Deps{
		CycleJob:  schedulerjobs.NewCycleJob(cycleSvc, logger),
		SyncJob:   schedulerjobs.NewSyncJob(store, logger),
		ServerJob: schedulerjobs.NewServerJob(serverSvc, logger),
	}, logger)
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(buildCORSMiddleware(cfg))
	router.Use(middleware.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	// Readiness requires the hot store; the report store is only needed
	// by the hourly sync and does not gate traffic.
	router.GET("/health/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.HotDatabase.PingTimeout)
		defer cancel()

		if err := hotPool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "hot database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	internalGroup := router.Group("/internal")
	internalGroup.Use(middleware.InternalTokenAuth(cfg.Security.InternalToken))
	internalGroup.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if isDebugMode && cfg.Debug.PprofEnabled {
		// net/http/pprof registers itself on the default mux at import.
		router.Any("/debug/pprof/*any", gin.WrapH(http.DefaultServeMux))
		logger.Info("pprof endpoint enabled", zap.String("path", "/debug/pprof/"))
	}

	api.RegisterAgentRoutes(router, ledgerSvc, serverSvc, cfg.Security.ServerHMACSecret)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("agent started",
		zap.String("addr", srv.Addr),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			logger.Fatal("server exited unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}

	// Drain unflushed work before the pools close.
	if err := store.Flush(shutdownCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ACCESSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("hot_database.url", "ACCESSGATE_HOT_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("report_database.url", "ACCESSGATE_REPORT_DATABASE_URL")

	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("hot_database.url", "")
	v.SetDefault("hot_database.max_conns", 10)
	v.SetDefault("hot_database.ping_timeout", "3s")
	v.SetDefault("report_database.url", "")
	v.SetDefault("report_database.max_conns", 5)
	v.SetDefault("report_database.ping_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("security.server_hmac_secret", "")
	v.SetDefault("security.server_hmac_secret_file", "")
	v.SetDefault("security.internal_token", "")
	v.SetDefault("security.internal_token_file", "")
	v.SetDefault("cache.save_interval", "30s")
	v.SetDefault("cache.session_permanent_timeout", "48h")
	v.SetDefault("gateway.status_interval", "2m")
	v.SetDefault("gateway.redirect_enabled", true)
	v.SetDefault("gateway.log_client_ip", false)
	v.SetDefault("gateway.log_local_port", false)
	v.SetDefault("cors.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("debug.pprof_enabled", false)

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	if err := loadSecretFromFile(&cfg.Security.ServerHMACSecret, cfg.Security.ServerHMACSecretFile, "security.server_hmac_secret_file"); err != nil {
		return Config{}, err
	}
	if err := loadSecretFromFile(&cfg.Security.InternalToken, cfg.Security.InternalTokenFile, "security.internal_token_file"); err != nil {
		return Config{}, err
	}

	if cfg.HotDatabase.URL == "" {
		return Config{}, errors.New("hot_database.url is required")
	}
	if cfg.ReportDatabase.URL == "" {
		return Config{}, errors.New("report_database.url is required")
	}
	if cfg.HotDatabase.MaxConns <= 0 || cfg.ReportDatabase.MaxConns <= 0 {
		return Config{}, errors.New("database max_conns must be greater than 0")
	}
	if cfg.HotDatabase.PingTimeout <= 0 || cfg.ReportDatabase.PingTimeout <= 0 {
		return Config{}, errors.New("database ping_timeout must be greater than 0")
	}

	return cfg, nil
}

func loadSecretFromFile(value *string, path, key string) error {
	if strings.TrimSpace(*value) != "" || strings.TrimSpace(path) == "" {
		return nil
	}

	raw, err := os.ReadFile(strings.TrimSpace(path)) // #nosec G304 -- path is provided by operator config.
	if err != nil {
		return fmt.Errorf("read %s failed: %w", key, err)
	}
	*value = strings.TrimSpace(string(raw))
	return nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.App.Env, "development") {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}
	if cfg.Log.Encoding != "" {
		zapCfg.Encoding = cfg.Log.Encoding
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger failed: %w", err)
	}
	return logger, nil
}

func newDBPool(ctx context.Context, url string, maxConns int, pingTimeout time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if maxConns > maxInt32 {
		return nil, fmt.Errorf("max_conns must be <= %d", maxInt32)
	}
	poolCfg.MaxConns = int32(maxConns) // #nosec G115 -- validated upper bound above.

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}
	return pool, nil
}

func buildCORSMiddleware(cfg Config) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.CORS.AllowOrigins
	if len(corsCfg.AllowOrigins) == 0 {
		corsCfg.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Server-ID", "X-Server-Token")
	corsCfg.AllowCredentials = true
	corsCfg.MaxAge = 12 * time.Hour
	return cors.New(corsCfg)
}

// runMigrateCommand applies the hot and report store migrations. Each
// store has its own directory because the schemas are disjoint.
func runMigrateCommand(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	onlyStore := fs.String("store", "", "migrate only one store: hot or report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	targets := []struct {
		name string
		dir  string
		url  string
	}{
		{"hot", "migrations/hot", cfg.HotDatabase.URL},
		{"report", "migrations/report", cfg.ReportDatabase.URL},
	}

	for _, target := range targets {
		if *onlyStore != "" && *onlyStore != target.name {
			continue
		}
		if err := runMigrateUp("file://"+target.dir, target.url); err != nil {
			return fmt.Errorf("migrate %s store: %w", target.name, err)
		}
		fmt.Printf("%s store migrations applied\n", target.name)
	}
	return nil
}

func runMigrateUp(sourceURL, databaseURL string) error {
	migrator, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations failed: %w", err)
	}
	return nil
}

func runHealthcheck() int {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:8080/health/ready")
	if err != nil {
		return 1
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
