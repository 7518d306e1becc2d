/**
 * @description
 * This file implements the payment reconciliation engine. Provider callbacks for
 * mobile-money orders are applied here exactly once per order id, whether they arrive
 * through the HTTP webhook, the broker relay or the stale-order sweep.
 *
 * @notes
 * - The balance mutation and the terminal status change commit in one conditional
 *   update guarded by status = 'pending', so a duplicate callback is a successful no-op.
 * - Unknown orders and non-terminal statuses are acknowledged without action.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/google/uuid"
)

// ErrMissingOrderID rejects a callback without an order id.
var ErrMissingOrderID = newError(ErrValidation, "order_id is required.")

// Reconciler applies provider callbacks to mobile-money orders.
type Reconciler struct {
	repo     store.Repository
	notifier Notifier
	audit    AuditRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(repo store.Repository, notifier Notifier, audit AuditRecorder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:     repo,
		notifier: notifier,
		audit:    audit,
		logger:   logger.With("component", "payment_reconciler"),
		now:      time.Now,
	}
}

// terminalStatus maps a provider payment status to the order status it settles to.
func terminalStatus(paymentStatus domain.PaymentCallbackStatus) (domain.MobileMoneyStatus, bool) {
	switch domain.PaymentCallbackStatus(strings.ToUpper(strings.TrimSpace(string(paymentStatus)))) {
	case domain.PaymentStatusCompleted:
		return domain.MobileMoneyCompleted, true
	case domain.PaymentStatusFailed, domain.PaymentStatusCancelled:
		return domain.MobileMoneyFailed, true
	default:
		return "", false
	}
}

// HandlePaymentCallback applies a provider callback. processed is true only when this
// call moved the order to a terminal status.
func (r *Reconciler) HandlePaymentCallback(ctx context.Context, cb domain.PaymentCallback) (processed bool, err error) {
	orderID := strings.TrimSpace(cb.OrderID)
	if orderID == "" {
		return false, ErrMissingOrderID
	}
	logger := r.logger.With("order_id", orderID, "payment_status", string(cb.PaymentStatus))

	status, ok := terminalStatus(cb.PaymentStatus)
	if !ok {
		logger.Info("ignoring non-terminal payment status")
		return false, nil
	}

	order, err := r.repo.FindMobileMoneyTransactionByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			logger.Warn("callback for unknown order; acknowledging")
			return false, nil
		}
		return false, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status.IsTerminal() {
		logger.Info("duplicate callback for settled order", "status", string(order.Status))
		return false, nil
	}

	params := store.SettleParams{
		OrderID:           orderID,
		Status:            status,
		ProviderReference: strings.TrimSpace(cb.Reference),
	}
	switch {
	case status == domain.MobileMoneyCompleted && order.Type == domain.MobileMoneyDeposit:
		params.CreditBack = true
	case status == domain.MobileMoneyFailed && order.Type == domain.MobileMoneyWithdraw:
		params.CreditBack = true
	}
	if status == domain.MobileMoneyFailed {
		params.FailureReason = "provider reported " + strings.ToUpper(strings.TrimSpace(string(cb.PaymentStatus)))
	}

	settled, applied, err := r.repo.SettleMobileMoneyTransaction(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to settle order: %w", err)
	}
	if !applied {
		logger.Info("order settled by a concurrent callback", "status", string(settled.Status))
		return false, nil
	}

	logger.Info("order settled", "status", string(settled.Status), "type", string(settled.Type), "credited", params.CreditBack)
	r.recordSettlement(ctx, settled, params.CreditBack)
	if r.notifier != nil {
		r.notifier.Notify(ctx, settled.UserID, settlementMessage(settled))
	}
	return true, nil
}

func (r *Reconciler) recordSettlement(ctx context.Context, order *domain.MobileMoneyTransaction, credited bool) {
	if r.audit == nil {
		return
	}
	attrs := map[string]string{
		"type":     string(order.Type),
		"status":   string(order.Status),
		"token":    string(order.Token),
		"amount":   money.Format(order.AmountCrypto),
		"credited": fmt.Sprint(credited),
	}
	event := domain.AuditEvent{
		ID:         uuid.New(),
		Action:     domain.AuditMobileMoneySettled,
		ActorID:    order.UserID,
		EntityID:   order.OrderID,
		Attributes: attrs,
		OccurredAt: r.now().UTC(),
	}
	if order.ProviderReference != nil {
		event.TxRef = *order.ProviderReference
	}
	if err := r.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("failed to record audit event", "order_id", order.OrderID, "error", err)
	}
}

func settlementMessage(order *domain.MobileMoneyTransaction) string {
	amount := money.Format(order.AmountCrypto)
	tzs := money.Format(order.AmountTZS)
	switch {
	case order.Status == domain.MobileMoneyCompleted && order.Type == domain.MobileMoneyDeposit:
		return fmt.Sprintf("Deposit confirmed: %s %s credited for %s TZS.", amount, order.Token, tzs)
	case order.Status == domain.MobileMoneyCompleted:
		return fmt.Sprintf("Withdrawal complete: %s TZS sent to your mobile money account.", tzs)
	case order.Type == domain.MobileMoneyWithdraw:
		return fmt.Sprintf("Withdrawal failed. %s %s has been returned to your balance.", amount, order.Token)
	default:
		return fmt.Sprintf("Deposit of %s TZS failed. No funds were taken.", tzs)
	}
}
