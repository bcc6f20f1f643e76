// Command meetingbot-controller is the control plane's HTTP entry point:
// it wires together the Meeting Store, Event Bus, Runtime Launcher,
// Lifecycle Controller, Delayed Reaper, and Post-Meeting Dispatcher behind
// a gin router, following the teacher's cmd/main.go bootstrap shape
// (bootstrap health listener swapped for the real router once
// initialization finishes, env-driven AppConfig, signal-driven graceful
// shutdown) narrowed to this domain's much smaller dependency graph.
package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"meetingbot/internal/auth"
	"meetingbot/internal/bus"
	"meetingbot/internal/controller"
	"meetingbot/internal/dispatcher"
	"meetingbot/internal/launcher"
	"meetingbot/internal/logging"
	"meetingbot/internal/metrics"
	"meetingbot/internal/middleware"
	"meetingbot/internal/publisher"
	"meetingbot/internal/reaper"
	"meetingbot/internal/store"
	"meetingbot/internal/subscriber"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log.Println("Starting meetingbot controller")

	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("WARNING: No .env file found, using environment variables")
		}
	}

	appConfig := loadConfig()
	port := appConfig.Port
	if port == "" {
		port = "8080"
	}

	// Bootstrap listener: health checks succeed immediately while Postgres
	// and Redis connections (which can be slow under cold start) come up.
	var startupReady atomic.Bool
	var activeRouter atomic.Value

	bootstrapRouter := gin.New()
	bootstrapRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": startupReady.Load()})
	})
	bootstrapRouter.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server starting", "ready": startupReady.Load()})
	})
	activeRouter.Store(bootstrapRouter)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	log.Printf("Bootstrap HTTP listener started on port %s", port)

	st, err := store.New(appConfig.Store)
	if err != nil {
		log.Fatalf("CRITICAL: failed to connect to store: %v", err)
	}

	busClient, err := bus.New(appConfig.Bus)
	if err != nil {
		log.Fatalf("CRITICAL: failed to connect to event bus: %v", err)
	}

	runtimeLauncher, err := buildLauncher(appConfig)
	if err != nil {
		log.Fatalf("CRITICAL: failed to initialize runtime launcher: %v", err)
	}

	authSvc := auth.New(auth.Config{
		CallbackSecret: appConfig.CallbackSecret,
		Issuer:         "meetingbot-controller",
		TokenTTL:       12 * time.Hour,
	})

	hub := subscriber.New()
	go hub.Run()

	pub := publisher.New(busClient, hub)

	metricsCollector := metrics.NewCollector(st, 15*time.Second)
	metricsCtx, stopMetricsCollector := context.WithCancel(context.Background())
	metricsCollector.Start(metricsCtx)

	reapCfg := reaper.DefaultConfig()
	rp := reaper.New(runtimeLauncher.StopBot, reapCfg.StopDelay)
	admission := reaper.NewAdmissionWatchdog(reapCfg.AdmissionTimeout)

	disp := dispatcher.New(appConfig.DispatcherConcurrency)
	disp.Register(dispatcher.NewAuditLogTask())
	if appConfig.WebhookURL != "" {
		disp.Register(dispatcher.NewWebhookTask(appConfig.WebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}

	ctl := controller.New(st, runtimeLauncher, busClient, pub, disp, rp, admission, authSvc, appConfig.CallbackBaseURL)

	router := buildRouter(appConfig, st, authSvc, ctl, hub)
	activeRouter.Store(router)
	startupReady.Store(true)

	log.Printf("Server ready on port %s", port)
	log.Printf("Health check: http://localhost:%s/health", port)
	log.Println("meetingbot controller is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("CRITICAL: failed to start server: %v", err)
	case sig := <-quit:
		log.Printf("Received signal %v, starting graceful shutdown...", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	hub.Shutdown()
	log.Println("Subscriber hub stopped")

	metricsCollector.Stop()
	stopMetricsCollector()
	log.Println("Metrics collector stopped")

	log.Println("Graceful shutdown complete")
}

// buildLauncher selects the Runtime Launcher variant from LAUNCHER_BACKEND:
// "docker" (default) runs bots as direct containers via the Docker SDK;
// "cluster" submits them as jobs to an external scheduler's REST API.
func buildLauncher(cfg *AppConfig) (launcher.Launcher, error) {
	switch strings.ToLower(cfg.LauncherBackend) {
	case "cluster":
		return launcher.NewClusterJobLauncher(cfg.ClusterJob)
	default:
		return launcher.NewDockerLauncher(cfg.Docker)
	}
}

func buildRouter(cfg *AppConfig, st *store.Store, authSvc *auth.Service, ctl *controller.Controller, hub *subscriber.Hub) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Security())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.Maintenance(cfg.MaintenanceMode, "meetingbot controller is temporarily unavailable"))
	router.Use(metrics.PrometheusMiddleware())

	middleware.InitRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	router.Use(middleware.RateLimit())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.PrometheusHandler())

	// Register mounts its own full paths ("/bots", "/bots/internal/callback/...")
	// on whatever router it's given, so these groups carry only auth
	// middleware and no additional path prefix.
	public := router.Group("")
	public.Use(middleware.RequireAPIKey(st, authSvc))
	public.GET("/bots/stream", func(c *gin.Context) {
		userID, ok := middleware.GetUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		hub.HandleStream(c, userID)
	})

	internal := router.Group("")
	internal.Use(middleware.RequireInternalSecret(cfg.InternalSecret))

	ctl.Register(public, internal)

	return router
}

// AppConfig holds all runtime configuration (non-secret except where noted).
type AppConfig struct {
	Store *store.Config
	Bus   *bus.Config

	LauncherBackend string
	Docker          *launcher.DockerConfig
	ClusterJob      *launcher.ClusterJobConfig

	CallbackBaseURL string
	CallbackSecret  string
	InternalSecret  string

	WebhookURL            string
	DispatcherConcurrency int

	AllowedOrigins     []string
	RateLimitPerMinute int
	RateLimitBurst     int
	MaintenanceMode    bool

	Port        string
	Environment string
}

func loadConfig() *AppConfig {
	storeCfg := parseDatabaseURL(os.Getenv("DATABASE_URL"))
	if storeCfg == nil {
		storeCfg = &store.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "meetingbot"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		}
	}

	busCfg := bus.ConfigFromEnv()

	dockerCfg := launcher.DefaultDockerConfig()
	if img := os.Getenv("BOT_IMAGE"); img != "" {
		dockerCfg.Image = img
	}

	clusterCfg := launcher.DefaultClusterJobConfig()
	clusterCfg.BaseURL = os.Getenv("CLUSTER_JOB_BASE_URL")
	clusterCfg.AuthToken = os.Getenv("CLUSTER_JOB_AUTH_TOKEN")
	clusterCfg.JobImage = getEnv("BOT_IMAGE", "meetingbot/bot:latest")

	var origins []string
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return &AppConfig{
		Store:                 storeCfg,
		Bus:                   busCfg,
		LauncherBackend:       getEnv("LAUNCHER_BACKEND", "docker"),
		Docker:                dockerCfg,
		ClusterJob:            clusterCfg,
		CallbackBaseURL:       getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		CallbackSecret:        getEnv("CALLBACK_JWT_SECRET", "dev-callback-secret-change-me"),
		InternalSecret:        os.Getenv("INTERNAL_SHARED_SECRET"),
		WebhookURL:            os.Getenv("MEETING_WEBHOOK_URL"),
		DispatcherConcurrency: getEnvInt("DISPATCHER_MAX_CONCURRENT", 4),
		AllowedOrigins:        origins,
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", 20),
		MaintenanceMode:       getEnv("MAINTENANCE_MODE", "false") == "true",
		Port:                  getEnv("PORT", "8080"),
		Environment:           getEnv("ENVIRONMENT", "development"),
	}
}

// parseDatabaseURL parses a DATABASE_URL (Fly.io, Heroku, Railway, etc.)
// into a store.Config, following the teacher's parseDatabaseURL convention.
func parseDatabaseURL(databaseURL string) *store.Config {
	if databaseURL == "" {
		return nil
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		log.Printf("WARNING: failed to parse DATABASE_URL: %v, falling back to individual vars", err)
		return nil
	}

	password, _ := u.User.Password()

	port := 5432
	if u.Port() != "" {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			port = p
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return &store.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
		TimeZone: "UTC",
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
