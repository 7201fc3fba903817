package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/config"
	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/handlers"
	"github.com/medgrid/vitalwatch/internal/identity"
	"github.com/medgrid/vitalwatch/internal/logger"
	"github.com/medgrid/vitalwatch/internal/middleware"
	"github.com/medgrid/vitalwatch/internal/queue"
	"github.com/medgrid/vitalwatch/internal/scoring"
	"github.com/medgrid/vitalwatch/internal/session"
	"github.com/medgrid/vitalwatch/internal/telemetry"
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, warnings, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	debugMode := cfg.ServerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	for _, warning := range warnings {
		zapLogger.Warn("configuration_incomplete", zap.String("detail", warning))
	}

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.String("frontend_url", cfg.FrontendURL),
		zap.String("scoring_url", cfg.ScoringURL),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// OpenTelemetry
	var tracerEnabled bool
	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			zapLogger.Warn("otel_enabled_but_endpoint_not_configured")
		} else {
			tp, err := telemetry.InitTracer(appCtx, "vitalwatch-api", cfg.OTELEndpoint)
			if err != nil {
				zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
			} else {
				tracerEnabled = true
				zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					if err := tp.Shutdown(shutdownCtx); err != nil {
						zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
					}
				}()
			}
		}
	}

	// Database. Absence is degraded, not fatal: the API stays up so the
	// health endpoint and spec remain reachable while ops fix the config.
	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				zapLogger.Warn("failed_to_close_database_connection", zap.Error(err))
			}
		}()
		zapLogger.Info("connected_to_database")
	}

	// Redis for rate limiting. Without it requests pass unlimited.
	var redisLimiter *middleware.RedisRateLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err = middleware.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			zapLogger.Warn("failed_to_connect_to_redis_rate_limiting_disabled", zap.Error(err))
			redisLimiter = nil
		} else {
			defer func() {
				if err := redisLimiter.Close(); err != nil {
					zapLogger.Warn("failed_to_close_redis_connection", zap.Error(err))
				}
			}()
			zapLogger.Info("connected_to_redis")
		}
	}

	// RabbitMQ for async history writes. Without it records are written
	// synchronously on the request path.
	var jobQueue queue.JobQueue
	if cfg.RabbitMQURL != "" {
		jobQueue = connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
		if jobQueue != nil {
			defer func() {
				if err := jobQueue.Close(); err != nil {
					zapLogger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
				}
			}()
		}
	}

	// Repositories
	var profileRepo *database.ProfileRepository
	var predictionRepo *database.PredictionRepository
	var corsConfigRepo *database.CorsConfigRepository
	var ratelimitConfigRepo *database.RatelimitConfigRepository
	if db != nil {
		profileRepo = database.NewProfileRepository(db)
		predictionRepo = database.NewPredictionRepository(db)
		corsConfigRepo = database.NewCorsConfigRepository(db)
		ratelimitConfigRepo = database.NewRatelimitConfigRepository(db)
	}

	// Identity and session hub
	jwksManager := identity.NewJWKSManager()
	providerFactory := func(sessCtx context.Context) identity.Provider {
		c := identity.NewClient(cfg.IdentityURL, cfg.IdentityAPIKey, jwksManager, zapLogger)
		c.StartAutoRefresh(sessCtx)
		return c
	}
	var hub *session.Hub
	coreReady := db != nil && cfg.IdentityURL != ""
	if coreReady {
		hub = session.NewHub(providerFactory, profileRepo, zapLogger,
			time.Duration(cfg.SessionIdleTTL)*time.Minute)
		hub.Start(appCtx)
		defer hub.Close()
	}

	scorer := scoring.NewClient(cfg.ScoringURL)
	validate := validator.New()

	// Handlers
	var redisClient *redis.Client
	if redisLimiter != nil {
		redisClient = redisLimiter.Client()
	}
	healthChecker := handlers.NewHealthChecker(db, redisClient, jobQueue, scorer)

	// Router and middleware. gorilla/mux runs middleware in registration
	// order, so the outermost concerns come first.
	r := mux.NewRouter()
	if tracerEnabled {
		r.Use(otelmux.Middleware("vitalwatch-api"))
	}
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))

	var corsReloader *middleware.CORSReloader
	if corsConfigRepo != nil {
		corsReloader = middleware.NewCORSReloader(corsConfigRepo, cfg.FrontendURL, zapLogger, 1*time.Minute)
		r.Use(corsReloader.Middleware())
	} else {
		fallback := cors.New(cors.Options{
			AllowedOrigins:   database.AllowedOriginsSlice(cfg.FrontendURL),
			AllowCredentials: true,
			MaxAge:           86400,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
		})
		r.Use(fallback.Handler)
	}

	rateLimitMW := func(next http.Handler) http.Handler { return next }
	var rateLimitReloader *middleware.RateLimitReloader
	if redisLimiter != nil && ratelimitConfigRepo != nil {
		rateLimitReloader = middleware.NewRateLimitReloader(redisLimiter.Client(), ratelimitConfigRepo, "10-S", zapLogger, 1*time.Minute)
		rateLimitMW = rateLimitReloader.Middleware()
	}

	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize))
	r.Use(middleware.ContentType)
	r.Use(middleware.Timeout(middleware.DefaultRequestTimeout))
	r.Use(middleware.ErrorHandler(zapLogger))
	r.Use(middleware.Logging(zapLogger))

	// Public routes
	r.HandleFunc("/", rootInfo).Methods("GET")
	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")
	r.HandleFunc("/version", versionInfo).Methods("GET")

	openAPIHandler := handlers.NewOpenAPIHandler(filepath.Join("api", "openapi", "openapi.yaml"))
	openAPIHandler.RegisterRoutes(r)

	apiRouter := r.PathPrefix("/api/v1").Subrouter()

	if !coreReady {
		// Startup proceeded without store or identity credentials; the API
		// surface answers 503 until they are configured.
		apiRouter.PathPrefix("/").HandlerFunc(notConfigured)
	} else {
		authHandler := handlers.NewAuthHandler(hub, validate, zapLogger)
		profileHandler := handlers.NewProfileHandler(validate, zapLogger)
		predictHandler := handlers.NewPredictHandler(scorer, predictionRepo, jobQueue, validate, zapLogger)
		historyHandler := handlers.NewHistoryHandler(predictionRepo, zapLogger)

		sessionAuth := middleware.SessionAuth(hub, zapLogger)

		authRouter := apiRouter.PathPrefix("/auth").Subrouter()
		publicAuth := authRouter.PathPrefix("").Subrouter()
		publicAuth.Use(rateLimitMW)
		publicAuth.HandleFunc("/signup", authHandler.SignUp).Methods("POST")
		publicAuth.HandleFunc("/login", authHandler.Login).Methods("POST")

		protectedAuth := authRouter.PathPrefix("").Subrouter()
		protectedAuth.Use(sessionAuth)
		protectedAuth.Use(rateLimitMW)
		protectedAuth.HandleFunc("/logout", authHandler.Logout).Methods("POST")
		protectedAuth.HandleFunc("/state", authHandler.State).Methods("GET")

		protected := apiRouter.PathPrefix("").Subrouter()
		protected.Use(sessionAuth)
		protected.Use(rateLimitMW)
		protected.HandleFunc("/profile", profileHandler.Get).Methods("GET")
		protected.HandleFunc("/profile", profileHandler.Update).Methods("PATCH")
		protected.HandleFunc("/profile/refresh", profileHandler.Refresh).Methods("POST")
		protected.HandleFunc("/predict", predictHandler.Predict).Methods("POST")
		protected.HandleFunc("/history", historyHandler.List).Methods("GET")
	}

	// Preflight requests reach here after the CORS middleware has set
	// headers.
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:           ":" + cfg.ServerPort,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	if corsReloader != nil {
		go corsReloader.Start(appCtx)
	}
	if rateLimitReloader != nil {
		go rateLimitReloader.Start(appCtx)
	}

	if dlqPurger, ok := jobQueue.(queue.DLQPurger); ok {
		dlqGC := queue.NewGarbageCollector(dlqPurger, 1*time.Hour, 24*time.Hour, zapLogger)
		go func() {
			if err := dlqGC.Start(appCtx); err != nil && !errors.Is(err, context.Canceled) {
				zapLogger.Error("dlq_garbage_collector_stopped_with_error", zap.Error(err))
			}
		}()
		zapLogger.Info("started_dlq_garbage_collector",
			zap.Duration("interval", 1*time.Hour),
			zap.Duration("retention", 24*time.Hour),
		)
	}

	go func() {
		zapLogger.Info("server_starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server_failed_to_start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("server_shutting_down")
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Fatal("server_forced_to_shutdown", zap.Error(err))
	}

	zapLogger.Info("server_exited")
}

// connectRabbitMQ retries with exponential backoff to ride out broker
// startup delays, returning nil when the broker never comes up.
func connectRabbitMQ(amqpURL string, zapLogger *zap.Logger) queue.JobQueue {
	const maxRetries = 10
	const initialDelay = 2 * time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		jobQueue, err := queue.NewRabbitMQQueue(amqpURL)
		if err == nil {
			zapLogger.Info("connected_to_rabbitmq")
			return jobQueue
		}
		delay := initialDelay * time.Duration(1<<uint(attempt))
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		zapLogger.Warn("failed_to_connect_to_rabbitmq_retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
			zap.Duration("retry_delay", delay),
		)
		time.Sleep(delay)
	}

	zapLogger.Warn("rabbitmq_unavailable_history_writes_will_be_synchronous")
	return nil
}

func notConfigured(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = fmt.Fprintf(w, `{"success":false,"error":"Service Not Configured","message":"store or identity credentials are missing","timestamp":"%s"}`,
		time.Now().UTC().Format(time.RFC3339))
}

func rootInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, `{"message":"VitalWatch API is running"}`)
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"version":"1.0.0","timestamp":"%s"}`, time.Now().UTC().Format(time.RFC3339))
}
