package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carelink/internal/auth"
	"github.com/carelink/internal/config"
	"github.com/carelink/internal/conversation"
	"github.com/carelink/internal/handler"
	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/message"
	"github.com/carelink/internal/metrics"
	"github.com/carelink/internal/middleware"
	"github.com/carelink/internal/presence"
	"github.com/carelink/internal/push"
	"github.com/carelink/internal/repository"
	"github.com/carelink/internal/room"
	"github.com/carelink/internal/service"
	"github.com/carelink/internal/startup"
	"github.com/carelink/internal/storage"
	"github.com/carelink/internal/storage/memory"
	"github.com/carelink/internal/ws"
)

func main() {
	logger.SetPrefix("chat")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep conversations and messages in process memory")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	if err := run(*dev, *inMemory, *migrateOnly); err != nil {
		logger.Errorf("chat: %v", err)
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Flush(2 * time.Second)
}

func run(dev, inMemory, migrateOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Infof("starting chat service env=%s", cfg.Env)

	ctx := context.Background()

	var (
		convStore storage.ConversationStore
		msgStore  storage.MessageStore
	)
	if inMemory {
		logger.Warnf("-memory: conversations and messages are lost on restart")
		convStore = memory.NewConversationStore()
		msgStore = memory.NewMessageStore()
	} else {
		if dev {
			db, err := startEmbeddedPostgres(cfg)
			if err != nil {
				return fmt.Errorf("embedded postgres: %w", err)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := db.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		if err := startup.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}
		if migrateOnly {
			return nil
		}
		pool, err := startup.ConnectDB(ctx, cfg.Database.URL, cfg.Database.MaxConnections, 60*time.Second)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("database connected, migrations applied")
		convStore = repository.NewConversationRepository(pool)
		msgStore = repository.NewMessageRepository(pool)
	}

	var cache storage.IdentityCache
	if cfg.Redis.URL != "" {
		rc, err := startup.ConnectRedis(ctx, cfg.Redis.URL, 30*time.Second)
		if err != nil {
			return err
		}
		cache = rc
	} else {
		cache = memory.NewIdentityCache()
	}
	defer cache.Close()
	resolver := auth.NewCachedResolver(
		auth.NewServiceResolver(cfg.Auth.URL, &http.Client{Timeout: cfg.Auth.Timeout}),
		cache, cfg.Auth.CacheTTL)

	m := metrics.New(prometheus.DefaultRegisterer)
	dir := conversation.NewDirectory(convStore)
	chat := service.NewChatService(dir, message.NewStore(msgStore, dir), cfg.History.DefaultLimit, cfg.History.MaxLimit)
	opts := ws.Options{MaxConnections: cfg.WS.MaxConnections, Metrics: m}
	if cfg.Push.URL != "" {
		opts.Push = push.NewClient(cfg.Push.URL, cfg.Server.InternalSecret, cfg.Push.Timeout)
	}
	hub := ws.NewHub(presence.New(cfg.WS.MultiDevice), room.NewRouter(chat), chat, opts)

	hubCtx, hubCancel := context.WithCancel(ctx)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(cfg, chat, hub, resolver),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			serveErr = fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// websocket-соединения hijacked, Shutdown их не ждёт: закрывает hub
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	return serveErr
}

func newRouter(cfg *config.Config, chat *service.ChatService, hub *ws.Hub, resolver auth.Resolver) http.Handler {
	convH := handler.NewConversationHandler(chat, hub)
	wsH := handler.NewWSHandler(hub, ws.ClientConfig{
		SendBuffer:      cfg.WS.SendBuffer,
		WriteWait:       cfg.WS.WriteTimeout,
		PongWait:        cfg.WS.PongTimeout,
		MaxMessageSize:  cfg.WS.MaxMessageSize,
		EventsPerSecond: cfg.WS.EventsPerSecond,
		EventBurst:      cfg.WS.EventBurst,
	}, cfg.Server.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.Server.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.With(middleware.InternalOnly(cfg.Server.InternalSecret)).Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(resolver))
		r.Get("/ws", wsH.ServeWS)
		r.Route("/api/conversations", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.Server.RequestsPerSecond, cfg.Server.Burst))
			convH.Routes(r)
		})
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "carelink"
		password = "carelink_secret"
		database = "carelink"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
