package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"raven/internal/auth"
	"raven/internal/channels"
	"raven/internal/channels/telegram"
	"raven/internal/config"
	"raven/internal/handler"
	"raven/internal/handler/sse"
	"raven/internal/metrics"
	"raven/internal/middleware"
	serviceLLM "raven/internal/service/llm"
)

const runsPath = "/api/runs/"

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg := config.Load()
	logger, closeLog := config.NewLogger(cfg, "server")
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var verifier auth.TokenVerifier
	if cfg.JWKSURL != "" {
		jwks, err := auth.NewJWKSVerifier(cfg.JWKSURL, logger)
		if err != nil {
			log.Fatalf("Failed to create JWT verifier: %v", err)
		}
		defer jwks.Close()
		verifier = jwks
	} else if cfg.IsDev() {
		logger.Warn("JWKS_URL not set, API trusts the " + middleware.DevAuthorHeader + " header (dev only)")
	} else {
		log.Fatal("JWKS_URL is required outside dev")
	}

	stores, err := serviceLLM.SetupStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up stores: %v", err)
	}
	defer stores.Close()

	m := metrics.New(nil)

	// The telegram handler needs the dispatcher, which needs the channel
	var tgHandler *telegram.Handler
	var tgBot *bot.Bot
	var routes []channels.Route
	if cfg.TelegramBotToken != "" {
		tgBot, err = bot.New(cfg.TelegramBotToken, bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
			tgHandler.HandleUpdate(ctx, b, update)
		}))
		if err != nil {
			log.Fatalf("Failed to create telegram bot: %v", err)
		}
		routes = append(routes, channels.Route{
			Name:    "telegram",
			Match:   telegram.IsChatID,
			Channel: telegram.NewChannel(tgBot, logger),
		})
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, only the HTTP API accepts messages")
	}
	router := channels.NewRouter(logger, routes...)

	services, err := serviceLLM.SetupServices(ctx, cfg, stores, serviceLLM.ServiceOptions{
		Channel:    router,
		Metrics:    m,
		StreamPath: runsPath,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to set up services: %v", err)
	}
	dispatcher := services.Dispatcher

	if tgBot != nil {
		tgHandler = telegram.NewHandler(
			dispatcher,
			services.Preferences,
			routes[0].Channel,
			telegram.NewFileFetcher(tgBot),
			telegram.PassthroughPreprocessor{},
			telegram.HandlerConfig{
				MediaGroupDebounce: cfg.Run.MediaGroupDebounce,
				Owner:              cfg.TelegramOwner,
			},
			logger,
		)
		go tgBot.Start(ctx)
		logger.Info("telegram bot polling")
	}

	runHandler := handler.NewRunHandler(dispatcher, handler.DispatcherTracker(dispatcher), sse.DefaultConfig(), logger)
	catalogHandler := handler.NewCatalogHandler(services.Catalog, services.Agents, logger)
	preferencesHandler := handler.NewPreferencesHandler(services.Preferences, logger)

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health(dispatcher))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/catalog", catalogHandler.GetCatalog)
	runHandler.Register(mux)
	preferencesHandler.Register(mux)

	// Order: CORS → Recovery → Auth → Instrument → Routes
	// Instrument sits next to the mux so it sees the matched pattern
	var h http.Handler = mux
	h = middleware.Instrument(m, logger)(h)
	h = middleware.Auth(verifier, logger)(h)
	h = middleware.Recovery(logger)(h)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID", middleware.DevAuthorHeader},
		AllowCredentials: true,
	})
	h = corsHandler.Handler(h)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down", "active_runs", dispatcher.Active())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}
