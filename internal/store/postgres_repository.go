/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and
 * `BalanceStore` interfaces: users, per-token balances and transaction PINs.
 * Chama, loan and mobile-money queries live in sibling files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresRepository is a concrete implementation of Repository and BalanceStore for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// execer is satisfied by both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// FindUserByID returns the user record for notifications and wallet lookups.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, phone_number, display_name, wallet_address, created_at FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.PhoneNumber, &user.DisplayName, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// DecrementBalance debits a balance in one conditional statement. It returns false,
// and changes nothing, when the balance is missing or smaller than amount.
func (r *PostgresRepository) DecrementBalance(ctx context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) (bool, error) {
	return decrementBalance(ctx, r.db, userID, token, amount)
}

// IncrementBalance credits a balance, creating the row on first credit.
func (r *PostgresRepository) IncrementBalance(ctx context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	return incrementBalance(ctx, r.db, userID, token, amount)
}

// GetBalances lists every token balance a user holds.
func (r *PostgresRepository) GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, token, balance, updated_at
		FROM user_balances
		WHERE user_id = $1
		ORDER BY token
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		var b domain.Balance
		if err := rows.Scan(&b.UserID, &b.Token, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func decrementBalance(ctx context.Context, q execer, userID uuid.UUID, token domain.Token, amount decimal.Decimal) (bool, error) {
	result, err := q.Exec(ctx, `
		UPDATE user_balances
		SET balance = balance - $3, updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND balance >= $3
	`, userID, string(token), amount)
	if err != nil {
		return false, fmt.Errorf("decrement balance: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func incrementBalance(ctx context.Context, q execer, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	_, err := q.Exec(ctx, `
		INSERT INTO user_balances (user_id, token, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, token)
		DO UPDATE SET balance = user_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`, userID, string(token), amount)
	if err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}
	return nil
}

// GetPinCredential returns the hashed PIN and its lockout state.
func (r *PostgresRepository) GetPinCredential(ctx context.Context, userID uuid.UUID) (*domain.PinCredential, error) {
	var credential domain.PinCredential
	err := r.db.QueryRow(ctx, `
		SELECT user_id, pin_hash, failed_attempts, locked_until, updated_at
		FROM user_pins
		WHERE user_id = $1
	`, userID).Scan(&credential.UserID, &credential.PinHash, &credential.FailedAttempts, &credential.LockedUntil, &credential.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPinNotSet
		}
		return nil, err
	}
	if credential.PinHash == "" {
		return nil, ErrPinNotSet
	}
	return &credential, nil
}

// UpsertPinHash stores a new PIN hash and clears any lockout.
func (r *PostgresRepository) UpsertPinHash(ctx context.Context, userID uuid.UUID, pinHash string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_pins (user_id, pin_hash, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, 0, NULL, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET pin_hash = EXCLUDED.pin_hash, failed_attempts = 0, locked_until = NULL, updated_at = NOW()
	`, userID, pinHash)
	return err
}

// RecordFailedPinAttempt atomically increments failed attempts and applies lockout.
// An expired lockout restarts the count at one.
func (r *PostgresRepository) RecordFailedPinAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error) {
	var credential domain.PinCredential
	query := `
		UPDATE user_pins
		SET
			failed_attempts = CASE
				WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
					OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
				ELSE failed_attempts + 1
			END,
			locked_until = CASE
				WHEN (
					CASE
						WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
							OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
						ELSE failed_attempts + 1
					END
				) >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING user_id, pin_hash, failed_attempts, locked_until, updated_at
	`
	err := r.db.QueryRow(ctx, query, userID, maxAttempts, lockoutSeconds).Scan(
		&credential.UserID,
		&credential.PinHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
		&credential.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPinNotSet
		}
		return nil, err
	}
	return &credential, nil
}

// ResetPinFailures clears failed-attempt counters after a successful verification.
func (r *PostgresRepository) ResetPinFailures(ctx context.Context, userID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `
		UPDATE user_pins SET failed_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPinNotSet
	}
	return nil
}
