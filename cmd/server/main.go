package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"go-relay/conversation"
	"go-relay/internal/chat"
	"go-relay/internal/config"
	"go-relay/internal/db"
	"go-relay/internal/middleware"
	"go-relay/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	// Credential store. Unreachable backend is fatal at startup.
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Error("failed to connect to redis", "addr", cfg.RedisAddr, "err", err)
		os.Exit(1)
	}
	log.Info("connected to redis", "addr", cfg.RedisAddr)

	// Identity feature.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService, log)

	// Conversation store, seeded lazily per login; the allocator starts
	// past every persisted id so purged ids are never handed out again.
	store := conversation.NewStore()
	chatRepo := chat.NewRepository(database.Conn)
	maxID, err := chatRepo.MaxConversationID(context.Background())
	if err != nil {
		log.Error("failed to read conversation ids", "err", err)
		os.Exit(1)
	}
	store.Advance(maxID)

	presence := chat.NewPresence(redisClient)
	hub := chat.NewHub(log, store, presence)
	go hub.Run()

	chatHandler := chat.NewHandler(hub, store, chatRepo, userService, presence, log, cfg.SendBuffer)
	authMiddleware := middleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes. The websocket endpoint authenticates in-protocol.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/ws", chatHandler.ServeWs)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Token-protected REST views.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/presence", chatHandler.Presence)
		r.Get("/api/presence/{login}", chatHandler.LastSeen)
		r.Get("/api/conversations", chatHandler.Conversations)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		if err := hub.Shutdown(ctx); err != nil {
			log.Error("hub shutdown failed", "err", err)
		}
	}()

	log.Info("server starting", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}
