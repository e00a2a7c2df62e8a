package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/vaultpay/backend/internal/config"
	"github.com/vaultpay/backend/internal/database"
	"github.com/vaultpay/backend/internal/handlers"
	mW "github.com/vaultpay/backend/internal/middleware"
	"github.com/vaultpay/backend/internal/provider"
	"github.com/vaultpay/backend/internal/queue"
	"github.com/vaultpay/backend/internal/services"
)

func main() {
	config.Load()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	jobQueue := queue.New(redisClient)
	xmoney := provider.NewXMoneyClient()

	sessionTTL := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
	sessionService := services.NewSessionService(redisClient, sessionTTL)
	authService := services.NewAuthService(db, sessionService)
	ledgerService := services.NewLedgerService(db)
	orderService := services.NewCryptoOrderService(db, xmoney)

	webhookHandler := handlers.NewWebhookHandler(xmoney, jobQueue)
	adminHandler := handlers.NewAdminHandler(jobQueue, ledgerService, orderService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Provider webhooks: signature-authenticated, never behind operator auth
	r.Post("/webhooks/{provider}", webhookHandler.Receive)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/queues/{queue}/dead", adminHandler.ListDeadLetters)
				r.Post("/queues/{queue}/dead/{jobId}/requeue", adminHandler.RequeueDeadLetter)

				r.Post("/reconciliation", adminHandler.TriggerReconciliation)
				r.Post("/fees/run", adminHandler.TriggerFeeRun)

				r.Post("/orders", adminHandler.CreateOrder)
				r.Get("/orders/{orderId}", adminHandler.GetOrder)
				r.Post("/orders/{orderId}/sync", adminHandler.SyncOrder)

				r.Get("/users/{userId}/balance", adminHandler.GetUserBalance)
				r.Get("/users/{userId}/ledger", adminHandler.GetUserLedger)
				r.Post("/users/{userId}/balance-adjustment", adminHandler.AdjustUserBalance)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
