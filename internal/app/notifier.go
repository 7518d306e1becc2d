package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// MessageSender delivers a text to a phone number.
type MessageSender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// UserLookup resolves a user's phone number.
type UserLookup interface {
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// errPermanentDelivery marks a notification that will never be deliverable.
var errPermanentDelivery = errors.New("notification cannot be delivered")

// NotificationDelivery sends notification events to the user's chat number.
type NotificationDelivery struct {
	users  UserLookup
	sender MessageSender
	logger *slog.Logger
}

func NewNotificationDelivery(users UserLookup, sender MessageSender, logger *slog.Logger) *NotificationDelivery {
	return &NotificationDelivery{users: users, sender: sender, logger: logger.With("component", "notification_delivery")}
}

// Deliver sends one event. Errors wrapping errPermanentDelivery should not be retried.
func (d *NotificationDelivery) Deliver(ctx context.Context, event domain.NotificationEvent) error {
	user, err := d.users.FindUserByID(ctx, event.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fmt.Errorf("%w: user %s not found", errPermanentDelivery, event.UserID)
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.PhoneNumber == "" {
		return fmt.Errorf("%w: user %s has no phone number", errPermanentDelivery, event.UserID)
	}

	messageID, err := d.sender.SendText(ctx, user.PhoneNumber, event.Text)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	d.logger.Info("notification delivered", "user_id", event.UserID, "message_id", messageID)
	return nil
}

// MessageNotifier implements Notifier. With a publisher it queues notifications on the
// events exchange; without one, or when publishing fails, it delivers directly.
type MessageNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	delivery  *NotificationDelivery
	logger    *slog.Logger
}

func NewMessageNotifier(publisher rabbitmq.Publisher, exchange string, delivery *NotificationDelivery, logger *slog.Logger) *MessageNotifier {
	return &MessageNotifier{
		publisher: publisher,
		exchange:  exchange,
		delivery:  delivery,
		logger:    logger.With("component", "notifier"),
	}
}

func (n *MessageNotifier) Notify(ctx context.Context, userID uuid.UUID, text string) {
	event := domain.NotificationEvent{UserID: userID, Text: text, Timestamp: time.Now().UTC()}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if n.publisher != nil {
		err := n.publisher.Publish(ctx, n.exchange, rabbitmq.RoutingKeyNotification, event)
		if err == nil {
			return
		}
		n.logger.Warn("failed to queue notification; delivering directly", "user_id", userID, "error", err)
	}

	if n.delivery == nil {
		n.logger.Warn("no notification delivery configured; dropping", "user_id", userID)
		return
	}
	if err := n.delivery.Deliver(ctx, event); err != nil {
		n.logger.Warn("failed to deliver notification", "user_id", userID, "error", err)
	}
}
