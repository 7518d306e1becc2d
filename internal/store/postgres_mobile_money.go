package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const mobileMoneyColumns = `id, order_id, user_id, type, token, amount_crypto, amount_tzs, phone_number,
	status, provider_reference, failure_reason, created_at, updated_at, completed_at`

func scanMobileMoney(row rowScanner) (*domain.MobileMoneyTransaction, error) {
	var t domain.MobileMoneyTransaction
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.UserID,
		&t.Type,
		&t.Token,
		&t.AmountCrypto,
		&t.AmountTZS,
		&t.PhoneNumber,
		&t.Status,
		&t.ProviderReference,
		&t.FailureReason,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateMobileMoneyTransaction persists a pending order. order_id is unique.
func (r *PostgresRepository) CreateMobileMoneyTransaction(ctx context.Context, tx *domain.MobileMoneyTransaction) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO mobile_money_transactions (id, order_id, user_id, type, token, amount_crypto, amount_tzs, phone_number, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`,
		tx.ID, tx.OrderID, tx.UserID, string(tx.Type), string(tx.Token),
		tx.AmountCrypto, tx.AmountTZS, tx.PhoneNumber, string(tx.Status),
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "mobile_money_transactions_order_id_key") {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert mobile money transaction: %w", err)
	}
	return nil
}

// FindMobileMoneyTransactionByOrderID looks an order up by its idempotency key.
func (r *PostgresRepository) FindMobileMoneyTransactionByOrderID(ctx context.Context, orderID string) (*domain.MobileMoneyTransaction, error) {
	t, err := scanMobileMoney(r.db.QueryRow(ctx, `SELECT `+mobileMoneyColumns+` FROM mobile_money_transactions WHERE order_id = $1`, orderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return t, nil
}

// SettleMobileMoneyTransaction moves a pending order to its terminal status and, when
// requested, credits the order amount back to the owner in the same transaction.
// The boolean is false when the order was already terminal; nothing changes then.
func (r *PostgresRepository) SettleMobileMoneyTransaction(ctx context.Context, params SettleParams) (*domain.MobileMoneyTransaction, bool, error) {
	if !params.Status.IsTerminal() {
		return nil, false, fmt.Errorf("settle order %s: status %q is not terminal", params.OrderID, params.Status)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	order, err := scanMobileMoney(tx.QueryRow(ctx, `
		UPDATE mobile_money_transactions
		SET status = $2,
			provider_reference = COALESCE(NULLIF($3, ''), provider_reference),
			failure_reason = NULLIF($4, ''),
			completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE order_id = $1 AND status = 'pending'
		RETURNING `+mobileMoneyColumns,
		params.OrderID, string(params.Status), params.ProviderReference, params.FailureReason))
	if err != nil {
		if err != pgx.ErrNoRows {
			return nil, false, fmt.Errorf("settle order %s: %w", params.OrderID, err)
		}
		current, findErr := scanMobileMoney(tx.QueryRow(ctx, `SELECT `+mobileMoneyColumns+` FROM mobile_money_transactions WHERE order_id = $1`, params.OrderID))
		if findErr != nil {
			if findErr == pgx.ErrNoRows {
				return nil, false, ErrOrderNotFound
			}
			return nil, false, findErr
		}
		return current, false, nil
	}

	if params.CreditBack {
		if err := incrementBalance(ctx, tx, order.UserID, order.Token, order.AmountCrypto); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return order, true, nil
}

// ListStalePendingMobileMoneyTransactions returns pending orders created before the cutoff, oldest first.
func (r *PostgresRepository) ListStalePendingMobileMoneyTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.MobileMoneyTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+mobileMoneyColumns+`
		FROM mobile_money_transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.MobileMoneyTransaction
	for rows.Next() {
		t, err := scanMobileMoney(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *t)
	}
	return orders, rows.Err()
}
