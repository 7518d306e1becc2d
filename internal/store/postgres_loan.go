package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const loanColumns = `id, chama_id, borrower_id, token, amount, collateral, outstanding, duration_days,
	approvals_required, approvals_received, rejections_received, on_chain_loan_id, request_tx_ref,
	disburse_tx_ref, status, created_at, updated_at, disbursed_at, due_at, repaid_at`

func scanLoan(row rowScanner) (*domain.Loan, error) {
	var l domain.Loan
	err := row.Scan(
		&l.ID,
		&l.ChamaID,
		&l.BorrowerID,
		&l.Token,
		&l.Amount,
		&l.Collateral,
		&l.Outstanding,
		&l.DurationDays,
		&l.ApprovalsRequired,
		&l.ApprovalsReceived,
		&l.RejectionsReceived,
		&l.OnChainLoanID,
		&l.RequestTxRef,
		&l.DisburseTxRef,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
		&l.DisbursedAt,
		&l.DueAt,
		&l.RepaidAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLoan persists a loan that has been registered on-chain.
func (r *PostgresRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO loans (id, chama_id, borrower_id, token, amount, collateral, outstanding, duration_days,
			approvals_required, approvals_received, on_chain_loan_id, request_tx_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`,
		loan.ID, loan.ChamaID, loan.BorrowerID, string(loan.Token), loan.Amount, loan.Collateral, loan.Outstanding,
		loan.DurationDays, loan.ApprovalsRequired, loan.ApprovalsReceived, loan.OnChainLoanID, loan.RequestTxRef,
		string(loan.Status),
	).Scan(&loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

// FindLoanByID returns a loan in any status.
func (r *PostgresRepository) FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	l, err := scanLoan(r.db.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, loanID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return l, nil
}

// ListLoansByChama lists a chama's loans, newest first.
func (r *PostgresRepository) ListLoansByChama(ctx context.Context, chamaID uuid.UUID) ([]domain.Loan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+loanColumns+` FROM loans WHERE chama_id = $1 ORDER BY created_at DESC`, chamaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// HasVoted reports whether the voter already has a vote recorded on the loan.
func (r *PostgresRepository) HasVoted(ctx context.Context, loanID, voterID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM loan_votes WHERE loan_id = $1 AND voter_id = $2)
	`, loanID, voterID).Scan(&exists)
	return exists, err
}

// RecordLoanVote inserts the per-voter vote, bumps the matching counter and moves the
// loan to approved once quorum is met, all under the loan row lock.
func (r *PostgresRepository) RecordLoanVote(ctx context.Context, vote domain.LoanVote) (*VoteResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	loan, err := scanLoan(tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, vote.LoanID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	if loan.Status != domain.LoanVoting {
		return nil, ErrLoanStateConflict
	}

	result, err := tx.Exec(ctx, `
		INSERT INTO loan_votes (loan_id, voter_id, approve, tx_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (loan_id, voter_id) DO NOTHING
	`, vote.LoanID, vote.VoterID, vote.Approve, vote.TxRef)
	if err != nil {
		return nil, fmt.Errorf("insert loan vote: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrAlreadyVoted
	}

	if vote.Approve {
		loan.ApprovalsReceived++
	} else {
		loan.RejectionsReceived++
	}
	approved := loan.QuorumReached()
	if approved {
		loan.Status = domain.LoanApproved
	}

	err = tx.QueryRow(ctx, `
		UPDATE loans
		SET approvals_received = $2, rejections_received = $3, status = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, loan.ID, loan.ApprovalsReceived, loan.RejectionsReceived, string(loan.Status)).Scan(&loan.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update loan tally: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &VoteResult{Loan: loan, Approved: approved}, nil
}

// MarkLoanDisbursed moves an approved loan with quorum to active, debits the pool
// and credits the borrower in the same transaction. A loan in any other state
// returns ErrLoanStateConflict; a pool that no longer covers the loan returns
// ErrInsufficientPool and the loan stays approved.
func (r *PostgresRepository) MarkLoanDisbursed(ctx context.Context, loanID uuid.UUID, txRef string, disbursedAt time.Time) (*domain.Loan, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	loan, err := scanLoan(tx.QueryRow(ctx, `
		UPDATE loans
		SET status = 'active',
			disburse_tx_ref = $2,
			disbursed_at = $3,
			due_at = $3::timestamptz + make_interval(days => duration_days),
			updated_at = NOW()
		WHERE id = $1 AND status = 'approved' AND approvals_received >= approvals_required
		RETURNING `+loanColumns, loanID, txRef, disbursedAt))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, r.loanMissOrConflict(ctx, tx, loanID)
		}
		return nil, err
	}

	if err := debitPool(ctx, tx, loan.ChamaID, loan.Token, loan.Amount); err != nil {
		return nil, err
	}
	if err := incrementBalance(ctx, tx, loan.BorrowerID, loan.Token, loan.Amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return loan, nil
}

// ApplyLoanRepayment records a repayment against an active loan. When the remaining
// balance is within money.Epsilon the loan becomes repaid and its collateral is
// released to the borrower in the same transaction.
func (r *PostgresRepository) ApplyLoanRepayment(ctx context.Context, repayment domain.LoanRepayment) (*domain.Loan, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	loan, err := scanLoan(tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, repayment.LoanID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	if loan.Status != domain.LoanActive {
		return nil, ErrLoanStateConflict
	}
	if repayment.Amount.GreaterThan(loan.Outstanding) {
		return nil, ErrExceedsOutstanding
	}

	remaining := money.Sub(loan.Outstanding, repayment.Amount)
	settled := money.IsSettled(remaining)
	if settled {
		remaining = decimal.Zero
		loan.Status = domain.LoanRepaid
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO loan_repayments (id, loan_id, amount, tx_ref) VALUES ($1, $2, $3, $4)
	`, repayment.ID, repayment.LoanID, repayment.Amount, repayment.TxRef); err != nil {
		return nil, fmt.Errorf("insert repayment: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE loans
		SET outstanding = $2,
			status = $3,
			repaid_at = CASE WHEN $3 = 'repaid' THEN NOW() ELSE repaid_at END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING outstanding, updated_at, repaid_at
	`, loan.ID, remaining, string(loan.Status)).Scan(&loan.Outstanding, &loan.UpdatedAt, &loan.RepaidAt)
	if err != nil {
		return nil, fmt.Errorf("update loan outstanding: %w", err)
	}

	if err := creditPool(ctx, tx, loan.ChamaID, loan.Token, repayment.Amount); err != nil {
		return nil, err
	}
	if settled && loan.Collateral.IsPositive() {
		if err := incrementBalance(ctx, tx, loan.BorrowerID, loan.Token, loan.Collateral); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return loan, nil
}

// RejectStaleVotingLoans rejects loans stuck in voting since before createdBefore and
// releases their collateral. Rows locked by a concurrent vote are skipped.
func (r *PostgresRepository) RejectStaleVotingLoans(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Loan, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE loans
		SET status = 'rejected', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM loans
			WHERE status = 'voting' AND created_at < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+loanColumns, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	var rejected []domain.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rejected = append(rejected, *l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, l := range rejected {
		if l.Collateral.IsPositive() {
			if err := incrementBalance(ctx, tx, l.BorrowerID, l.Token, l.Collateral); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rejected, nil
}

func (r *PostgresRepository) loanMissOrConflict(ctx context.Context, tx pgx.Tx, loanID uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM loans WHERE id = $1)`, loanID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrLoanNotFound
	}
	return ErrLoanStateConflict
}
