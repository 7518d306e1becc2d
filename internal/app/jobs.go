/**
 * @description
 * Scheduled job implementations: the stale mobile-money order sweep and the optional
 * loan voting expiry.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/zenoclient"
)

const staleOrderBatchSize = 100

// OrderStatusSource reads an order's status from the payment provider.
type OrderStatusSource interface {
	OrderStatus(ctx context.Context, orderID string) (*zenoclient.OrderStatusResponse, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       store.Repository
	service    *Service
	reconciler *Reconciler
	provider   OrderStatusSource
	logger     *slog.Logger
	orderAge   time.Duration
	votingTTL  time.Duration
}

// NewJobs creates a new Jobs runner. A zero votingTTL disables loan expiry.
func NewJobs(repo store.Repository, service *Service, reconciler *Reconciler, provider OrderStatusSource, logger *slog.Logger, orderAge, votingTTL time.Duration) *Jobs {
	return &Jobs{
		repo:       repo,
		service:    service,
		reconciler: reconciler,
		provider:   provider,
		logger:     logger.With("component", "jobs"),
		orderAge:   orderAge,
		votingTTL:  votingTTL,
	}
}

// ReconcileStalePayments polls the provider for orders still pending after orderAge and
// feeds any terminal answer through the callback path.
func (j *Jobs) ReconcileStalePayments() {
	j.logger.Info("starting stale payment reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	orders, err := j.repo.ListStalePendingMobileMoneyTransactions(ctx, time.Now().Add(-j.orderAge), staleOrderBatchSize)
	if err != nil {
		j.logger.Error("failed to list stale orders", "error", err)
		return
	}
	if len(orders) == 0 {
		j.logger.Info("no stale orders to reconcile")
		return
	}
	j.logger.Info("found stale orders", "count", len(orders))

	settled := 0
	for _, order := range orders {
		status, err := j.provider.OrderStatus(ctx, order.OrderID)
		if err != nil {
			if errors.Is(err, zenoclient.ErrOrderNotFound) {
				status = &zenoclient.OrderStatusResponse{OrderID: order.OrderID, PaymentStatus: string(domain.PaymentStatusFailed)}
			} else {
				j.logger.Warn("failed to fetch order status", "order_id", order.OrderID, "error", err)
				continue
			}
		}

		paymentStatus := status.PaymentStatus
		if strings.TrimSpace(paymentStatus) == "" {
			paymentStatus = status.Status
		}
		processed, err := j.reconciler.HandlePaymentCallback(ctx, domain.PaymentCallback{
			OrderID:       order.OrderID,
			PaymentStatus: domain.PaymentCallbackStatus(paymentStatus),
			Reference:     status.Reference,
		})
		if err != nil {
			j.logger.Error("failed to reconcile order", "order_id", order.OrderID, "error", err)
			continue
		}
		if processed {
			settled++
		}
	}

	j.logger.Info("stale payment reconciliation job finished", "checked", len(orders), "settled", settled)
}

// ExpireVotingLoans rejects loans stuck in voting past the configured TTL.
func (j *Jobs) ExpireVotingLoans() {
	if j.votingTTL <= 0 {
		return
	}
	j.logger.Info("starting loan voting expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	count, err := j.service.ExpireStaleVotingLoans(ctx, j.votingTTL)
	if err != nil {
		j.logger.Error("failed to expire voting loans", "error", err)
		return
	}
	j.logger.Info("loan voting expiry job finished", "rejected", count)
}
