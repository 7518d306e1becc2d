package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
)

// NotificationConsumer delivers queued notification events.
type NotificationConsumer struct {
	delivery *NotificationDelivery
	logger   *slog.Logger
}

func NewNotificationConsumer(delivery *NotificationDelivery, logger *slog.Logger) *NotificationConsumer {
	return &NotificationConsumer{delivery: delivery, logger: logger.With("component", "notification_consumer")}
}

// HandleMessage returns false only for failures worth retrying.
func (c *NotificationConsumer) HandleMessage(body []byte) bool {
	var event domain.NotificationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("failed to unmarshal notification", "error", err)
		return true
	}
	if strings.TrimSpace(event.Text) == "" {
		c.logger.Warn("dropping empty notification", "user_id", event.UserID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := c.delivery.Deliver(ctx, event); err != nil {
		if errors.Is(err, errPermanentDelivery) {
			c.logger.Warn("dropping undeliverable notification", "user_id", event.UserID, "error", err)
			return true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("notification delivery timed out; re-queuing", "user_id", event.UserID)
			return false
		}
		c.logger.Error("notification delivery failed", "user_id", event.UserID, "error", err)
		return true
	}
	return true
}

// PaymentCallbackConsumer applies provider callbacks relayed through the broker.
type PaymentCallbackConsumer struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewPaymentCallbackConsumer(reconciler *Reconciler, logger *slog.Logger) *PaymentCallbackConsumer {
	return &PaymentCallbackConsumer{reconciler: reconciler, logger: logger.With("component", "payment_callback_consumer")}
}

func (c *PaymentCallbackConsumer) HandleMessage(body []byte) bool {
	var cb domain.PaymentCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		c.logger.Error("failed to unmarshal payment callback", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	processed, err := c.reconciler.HandlePaymentCallback(ctx, cb)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.logger.Warn("dropping invalid payment callback", "error", err)
			return true
		}
		c.logger.Error("payment callback processing failed; re-queuing", "order_id", cb.OrderID, "error", err)
		return false
	}
	c.logger.Info("payment callback handled", "order_id", cb.OrderID, "processed", processed)
	return true
}
