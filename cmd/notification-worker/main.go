// notification-worker consumes order.paid events and sends confirmation
// emails. Transient delivery failures retry with backoff; poison messages go
// to the DLQ for the monitor to surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/events"
	"github.com/dreamhaus/order-service/internal/notify"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	handler := notify.NewEmailHandler(notify.NewLogSender(logger), logger)

	var consumer *events.KafkaConsumerWithRetry
	var err error

	for i := 0; i < 10; i++ {
		consumer, err = events.NewKafkaConsumerWithRetry(kafkaBrokers, "notification-group", handler, logger)
		if err == nil {
			logger.Info("Successfully connected to Kafka")
			break
		}

		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}

	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer after retries")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.WithField("brokers", kafkaBrokers).Info("Starting notification worker")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down notification worker...")
	cancel()

	metrics := consumer.GetMetrics()
	logger.WithFields(logrus.Fields{
		"processed": metrics.ProcessedCount,
		"succeeded": metrics.SuccessCount,
		"retried":   metrics.RetryCount,
		"dlq":       metrics.DLQCount,
	}).Info("Notification worker stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
