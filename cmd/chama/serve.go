package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chamalink/chama-service/internal/api"
	"github.com/chamalink/chama-service/internal/app"
	"github.com/chamalink/chama-service/internal/conversation"
	rmrabbit "github.com/chamalink/chama-service/pkg/rabbitmq"
	"github.com/spf13/cobra"
)

func serveCmd(configDir *string) *cobra.Command {
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the broker consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configDir, withScheduler)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "also run the periodic jobs in this process")
	return cmd
}

func runServe(configDir string, withScheduler bool) error {
	rt, err := newRuntime(context.Background(), configDir)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	var limiter api.RateLimiter
	var conversations api.Conversations
	if rt.redis != nil {
		limiter = app.NewRedisRateLimiter(rt.redis, cfg.RedisKeyPrefix, cfg.CommandRateLimit, time.Minute)
		sessions := conversation.NewRedisStore(rt.redis, cfg.RedisKeyPrefix, time.Duration(cfg.SessionTTLMin)*time.Minute)
		conversations = conversation.NewManager(sessions, rt.service, logger)
	}

	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; queued notifications and relayed callbacks paused", "component", "bootstrap", "error", err)
	} else {
		defer consumer.Close()
		notifications := app.NewNotificationConsumer(rt.delivery, logger)
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.NotificationQueue, map[string]rmrabbit.Handler{
			rmrabbit.RoutingKeyNotification: notifications.HandleMessage,
		}); err != nil {
			return fmt.Errorf("start notification consumer: %w", err)
		}
		callbacks := app.NewPaymentCallbackConsumer(rt.reconciler, logger)
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PaymentCallbackQueue, map[string]rmrabbit.Handler{
			rmrabbit.RoutingKeyPaymentCallback: callbacks.HandleMessage,
		}); err != nil {
			return fmt.Errorf("start payment callback consumer: %w", err)
		}
	}

	if withScheduler {
		scheduler := newScheduler(rt)
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	if cfg.PaymentCallbackAPIKey == "" {
		logger.Warn("payment webhook key not configured; webhook requests will be rejected", "component", "bootstrap", "env", "PAYMENT_CALLBACK_API_KEY")
	}
	handlers := api.NewHandlers(rt.service, rt.reconciler, conversations, logger)
	router := api.NewRouter(handlers, limiter, api.RouterConfig{
		JWTSecret:      cfg.InternalJWTSecret,
		WebhookAPIKey:  cfg.PaymentCallbackAPIKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	}
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	logger.Info("shutdown complete", "component", "http")
	return nil
}
