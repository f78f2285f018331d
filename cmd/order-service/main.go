package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/api"
	"github.com/dreamhaus/order-service/internal/audit"
	"github.com/dreamhaus/order-service/internal/config"
	"github.com/dreamhaus/order-service/internal/events"
	"github.com/dreamhaus/order-service/internal/gateway"
	"github.com/dreamhaus/order-service/internal/recon"
	"github.com/dreamhaus/order-service/internal/signature"
	"github.com/dreamhaus/order-service/internal/store"
	"github.com/dreamhaus/order-service/internal/websocket"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Connect to database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}

	orderStore := store.NewPostgresStore(db, logger)
	if err := orderStore.CreateTables(); err != nil {
		logger.WithError(err).Fatal("Failed to create tables")
	}

	producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	hub := websocket.NewHub(logger)
	go hub.Run()

	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, cfg.PaymentKeyID,
		cfg.PaymentSecret, cfg.GatewayTimeout, logger)
	verifier := signature.NewVerifier(cfg.WebhookSecret)
	analyzer := audit.NewAnalyzer(24*time.Hour, logger)

	coordinator := recon.NewCoordinator(orderStore, gatewayClient, verifier,
		producer, hub, "INR", logger)

	handler := api.NewHandler(coordinator, orderStore, gatewayClient, analyzer, logger)

	router := mux.NewRouter()
	router.Use(api.LoggingMiddleware(logger))
	handler.Register(router, api.AuthMiddleware(cfg.JWTSecret, logger))
	router.HandleFunc("/ws", hub.HandleWebSocket)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}
