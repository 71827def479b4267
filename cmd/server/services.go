package main

import (
	"fmt"

	"commerce-service/internal/api"
	"commerce-service/internal/auth"
	"commerce-service/internal/broker"
	"commerce-service/internal/catalog"
	"commerce-service/internal/gateway"
	"commerce-service/internal/idempotency"
	"commerce-service/internal/service"
	"commerce-service/internal/store"
	"commerce-service/internal/webhook"
	"commerce-service/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	orderServiceName   = "order-service"
	paymentServiceName = "payment-service"
)

func orderServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   orderServiceName,
		Short: "Run the order service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(orderServiceName, store.SchemaOrder)
			if err != nil {
				return err
			}
			defer rt.close()
			cfg := rt.cfg

			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
			defer producer.Close()
			rt.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrderEvents))

			ledger := idempotency.NewLedger(store.SchemaOrder, rt.db.OrderIdempotencyKeys(), rt.locker, cfg.Business.IdempotencyLockTTL)
			products := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, cfg.Catalog.MaxRetries)
			orderService := service.NewOrderService(rt.db, ledger, products, broker.NewEventPublisher(orderServiceName, producer))

			consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
			orderWorker := worker.NewOrderWorker(consumer, rt.db.ProcessedEvents(cfg.Kafka.ConsumerGroup), orderService)

			handler := api.NewHandler(auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), rt.ready).
				WithOrders(orderService)
			return rt.serve(handler, orderWorker)
		},
	}
}

func paymentServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   paymentServiceName,
		Short: "Run the payment service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(paymentServiceName, store.SchemaPayment)
			if err != nil {
				return err
			}
			defer rt.close()
			cfg := rt.cfg

			gw, err := gateway.New(cfg.Gateway)
			if err != nil {
				return fmt.Errorf("failed to configure payment gateway: %w", err)
			}
			rt.logger.Info("Payment gateway selected", zap.String("provider", gw.Name()))

			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents)
			defer producer.Close()
			rt.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicPaymentEvents))

			ledger := idempotency.NewLedger(store.SchemaPayment, rt.db.PaymentIdempotencyKeys(), rt.locker, cfg.Business.IdempotencyLockTTL)
			paymentService := service.NewPaymentService(rt.db, ledger, gw,
				broker.NewEventPublisher(paymentServiceName, producer), cfg.Gateway.MaxRetries)

			webhooks := webhook.NewRouter(paymentService, webhook.NewStripeVerifier(cfg.Gateway.StripeWebhookSecret))

			consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents, cfg.Kafka.ConsumerGroup)
			paymentWorker := worker.NewPaymentWorker(consumer, rt.db.ProcessedEvents(cfg.Kafka.ConsumerGroup), paymentService)

			handler := api.NewHandler(auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), rt.ready).
				WithPayments(paymentService, webhooks)
			return rt.serve(handler, paymentWorker)
		},
	}
}
