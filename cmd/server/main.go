package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"proxchat/internal/auth"
	"proxchat/internal/config"
	"proxchat/internal/database"
	"proxchat/internal/ghost"
	"proxchat/internal/handlers"
	"proxchat/internal/otp"
	"proxchat/internal/presence"
	"proxchat/internal/ratelimit"
	"proxchat/internal/relay"
	"proxchat/internal/rooms"
	"proxchat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Rate limiting runs through redis when configured, otherwise open
	limiter := buildLimiter(cfg)

	// Initialize services
	otpService := otp.NewService(cfg.OTP.Secret, cfg.OTP.Expiry, cfg.OTP.Digits)
	authService := auth.NewService(db, cfg, otpService, auth.LogMailer{}, limiter)

	registry := presence.NewRegistry()
	coordinator := rooms.NewCoordinator(registry, db, cfg.Database.OpTimeout)
	messageRelay, err := relay.New(registry, db)
	if err != nil {
		logger.Fatal("Failed to initialize message relay: %v", err)
	}
	roomService := rooms.NewService(db, registry, coordinator)
	sweeper := ghost.NewSweeper(db, registry, cfg.Ghost)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	roomHandlers := handlers.NewRoomHandlers(roomService, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, coordinator, messageRelay, limiter)
	systemHandlers := handlers.NewSystemHandlers(authService, registry, sweeper)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, roomHandlers, wsHandlers, systemHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start background sweeps
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	// Start server
	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")
	stopSweeps()
	server.Shutdown(context.Background())
}

func buildLimiter(cfg *config.Config) ratelimit.Limiter {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set, rate limiting disabled")
		return ratelimit.NoopLimiter{}
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid REDIS_URL: %v", err)
	}
	return ratelimit.NewRedisLimiter(redis.NewClient(opts), "proxchat")
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, roomHandlers *handlers.RoomHandlers, wsHandlers *handlers.WebSocketHandlers, systemHandlers *handlers.SystemHandlers) {
	// Auth routes
	mux.HandleFunc("/register", authHandlers.Register)
	mux.HandleFunc("/verify", authHandlers.VerifyEmail)
	mux.HandleFunc("/resend-code", authHandlers.ResendCode)
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/location", roomHandlers.UpdateLocation)

	// Room routes
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodGet:
			roomHandlers.NearbyRooms(w, r)
		case http.MethodPost:
			roomHandlers.CreateRoom(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Room sub-routes
	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 3 || parts[2] == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		// /rooms/{id}
		if len(parts) == 3 {
			switch r.Method {
			case http.MethodGet:
				roomHandlers.GetRoom(w, r)
			case http.MethodDelete:
				roomHandlers.DeleteRoom(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}

		http.Error(w, "endpoint not found", http.StatusNotFound)
	})

	// System routes
	mux.HandleFunc("/health", systemHandlers.Health)
	mux.HandleFunc("/stats", systemHandlers.Stats)
	mux.HandleFunc("/sweeps", systemHandlers.SweepStatus)
	mux.HandleFunc("/sweeps/run", systemHandlers.RunSweeps)

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /register")
	logger.Info("   POST /verify")
	logger.Info("   POST /resend-code")
	logger.Info("   POST /login")
	logger.Info("   POST /location")
	logger.Info("   GET  /rooms?longitude=&latitude=&radius=")
	logger.Info("   POST /rooms")
	logger.Info("   GET  /rooms/{id}")
	logger.Info("   DELETE /rooms/{id}")
	logger.Info("   GET  /health")
	logger.Info("   GET  /stats")
	logger.Info("   GET  /sweeps")
	logger.Info("   POST /sweeps/run")
}
