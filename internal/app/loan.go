package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/chaingateway"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepaymentResult reports the loan state after a repayment.
type RepaymentResult struct {
	Loan        *domain.Loan    `json:"loan"`
	Outstanding decimal.Decimal `json:"outstanding"`
	FullyRepaid bool            `json:"fully_repaid"`
}

// approvalsRequired is ceil(ratio × active members), never below one.
func approvalsRequired(activeMembers int, ratio float64) int {
	required := decimal.NewFromInt(int64(activeMembers)).Mul(decimal.NewFromFloat(ratio)).Ceil().IntPart()
	if required < 1 {
		return 1
	}
	return int(required)
}

// RequestLoan opens a loan in voting. Collateral is debited from the borrower before the
// gateway call and the quorum is frozen from the active member count at this moment.
func (s *Service) RequestLoan(ctx context.Context, borrowerID, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal, durationDays int) (*domain.Loan, error) {
	token, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	amount, err = positiveAmount(amount)
	if err != nil {
		return nil, err
	}
	if durationDays < 1 || durationDays > s.loans.MaxDurationDays {
		return nil, ErrInvalidDuration
	}

	chama, err := s.activeChama(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if _, err := s.activeMembership(ctx, chamaID, borrowerID); err != nil {
		return nil, err
	}

	pool, err := s.repo.GetPoolBalance(ctx, chamaID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool balance: %w", err)
	}
	if pool.LessThan(amount) {
		return nil, ErrInsufficientPool
	}

	members, err := s.repo.CountActiveMembers(ctx, chamaID)
	if err != nil {
		return nil, fmt.Errorf("failed to count members: %w", err)
	}
	required := approvalsRequired(members, s.loans.QuorumRatio)
	collateral := money.MulRatio(amount, s.loans.CollateralRatio)
	outstanding := money.MulRatio(amount, 1+s.loans.InterestPercent/100)

	if collateral.IsPositive() {
		if err := s.reserve(ctx, borrowerID, token, collateral); err != nil {
			return nil, err
		}
	}

	receipt, err := s.gateway.RequestLoan(ctx, chama.ContractAddress, chaingateway.LoanRequest{
		BorrowerID:   borrowerID,
		Token:        string(token),
		Amount:       amount,
		Collateral:   collateral,
		DurationDays: durationDays,
	})
	if err != nil {
		if collateral.IsPositive() {
			s.compensate(ctx, borrowerID, token, collateral, "loan request gateway failure")
		}
		return nil, gatewayError("loan request", err)
	}

	loan := &domain.Loan{
		ID:                uuid.New(),
		ChamaID:           chamaID,
		BorrowerID:        borrowerID,
		Token:             token,
		Amount:            amount,
		Collateral:        collateral,
		Outstanding:       outstanding,
		DurationDays:      durationDays,
		ApprovalsRequired: required,
		OnChainLoanID:     receipt.OnChainID,
		RequestTxRef:      receipt.TxReference,
		Status:            domain.LoanVoting,
	}
	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		s.logger.Error("CRITICAL: loan requested on-chain but not persisted",
			"chama_id", chamaID, "user_id", borrowerID, "collateral", money.Format(collateral),
			"tx_ref", receipt.TxReference, "error", err)
		return nil, fmt.Errorf("failed to persist loan: %w", err)
	}

	s.logger.Info("loan requested", "loan_id", loan.ID, "chama_id", chamaID, "approvals_required", required)
	s.recordAudit(ctx, domain.AuditLoanRequested, borrowerID, loan.ID.String(), receipt.TxReference, map[string]string{
		"chama_id":           chamaID.String(),
		"token":              string(token),
		"amount":             money.Format(amount),
		"collateral":         money.Format(collateral),
		"approvals_required": fmt.Sprint(required),
	})
	s.notifyMembers(ctx, chamaID, borrowerID, fmt.Sprintf(
		"New loan request in %s: %s %s for %d days. Vote on loan %s.",
		chama.Name, money.Format(amount), token, durationDays, loan.ID))
	s.notify(ctx, borrowerID, fmt.Sprintf("Loan request submitted. %d approvals needed.", required))
	return loan, nil
}

// VoteOnLoan records one member's vote. A member's second vote never counts. When the
// approval reaches quorum the loan moves to approved in the same transaction.
func (s *Service) VoteOnLoan(ctx context.Context, voterID, loanID uuid.UUID, approve bool) (*domain.Loan, error) {
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanVoting {
		return nil, ErrLoanNotVoting
	}
	if loan.BorrowerID == voterID {
		return nil, ErrSelfVote
	}
	if _, err := s.activeMembership(ctx, loan.ChamaID, voterID); err != nil {
		return nil, err
	}
	voted, err := s.repo.HasVoted(ctx, loanID, voterID)
	if err != nil {
		return nil, fmt.Errorf("failed to check vote: %w", err)
	}
	if voted {
		return nil, ErrAlreadyVoted
	}

	chama, err := s.repo.FindChamaByID(ctx, loan.ChamaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chama: %w", err)
	}

	receipt, err := s.gateway.Vote(ctx, chama.ContractAddress, loan.OnChainLoanID, chaingateway.VoteRequest{
		VoterID: voterID,
		Approve: approve,
	})
	if err != nil {
		return nil, gatewayError("vote", err)
	}

	result, err := s.repo.RecordLoanVote(ctx, domain.LoanVote{
		LoanID:  loanID,
		VoterID: voterID,
		Approve: approve,
		TxRef:   receipt.TxReference,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyVoted):
			return nil, ErrAlreadyVoted
		case errors.Is(err, store.ErrLoanStateConflict):
			return nil, ErrLoanNotVoting
		case errors.Is(err, store.ErrLoanNotFound):
			return nil, ErrLoanNotFound
		}
		s.logger.Error("CRITICAL: vote confirmed on-chain but not recorded",
			"loan_id", loanID, "user_id", voterID, "tx_ref", receipt.TxReference, "error", err)
		return nil, fmt.Errorf("failed to record vote: %w", err)
	}

	s.recordAudit(ctx, domain.AuditLoanVoted, voterID, loanID.String(), receipt.TxReference, map[string]string{
		"approve": fmt.Sprint(approve),
	})
	if result.Approved {
		s.logger.Info("loan approved", "loan_id", loanID, "approvals", result.Loan.ApprovalsReceived)
		s.recordAudit(ctx, domain.AuditLoanApproved, voterID, loanID.String(), receipt.TxReference, nil)
		s.notify(ctx, loan.BorrowerID, fmt.Sprintf(
			"Your loan of %s %s was approved. Reply DISBURSE to receive the funds.",
			money.Format(loan.Amount), loan.Token))
	}
	return result.Loan, nil
}

// DisburseLoan pays an approved loan out to its borrower. A second call finds the loan
// active and fails with a conflict.
func (s *Service) DisburseLoan(ctx context.Context, borrowerID, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.BorrowerID != borrowerID {
		return nil, ErrNotBorrower
	}
	if loan.Status != domain.LoanApproved || !loan.QuorumReached() {
		return nil, ErrLoanNotApproved
	}

	chama, err := s.repo.FindChamaByID(ctx, loan.ChamaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chama: %w", err)
	}
	pool, err := s.repo.GetPoolBalance(ctx, loan.ChamaID, loan.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool balance: %w", err)
	}
	if pool.LessThan(loan.Amount) {
		return nil, ErrInsufficientPool
	}

	receipt, err := s.gateway.Disburse(ctx, chama.ContractAddress, loan.OnChainLoanID, chaingateway.MemberRequest{UserID: borrowerID})
	if err != nil {
		return nil, gatewayError("disbursement", err)
	}

	disbursed, err := s.repo.MarkLoanDisbursed(ctx, loanID, receipt.TxReference, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrLoanStateConflict) {
			s.logger.Warn("loan already disbursed by a concurrent request",
				"loan_id", loanID, "tx_ref", receipt.TxReference)
			return nil, ErrLoanNotApproved
		}
		s.logger.Error("CRITICAL: loan disbursed on-chain but not recorded",
			"loan_id", loanID, "user_id", borrowerID, "tx_ref", receipt.TxReference, "error", err)
		if errors.Is(err, store.ErrInsufficientPool) {
			return nil, ErrInsufficientPool
		}
		return nil, fmt.Errorf("failed to record disbursement: %w", err)
	}

	s.recordAudit(ctx, domain.AuditLoanDisbursed, borrowerID, loanID.String(), receipt.TxReference, map[string]string{
		"token":  string(disbursed.Token),
		"amount": money.Format(disbursed.Amount),
	})
	s.notify(ctx, borrowerID, fmt.Sprintf("Loan disbursed: %s %s credited. Outstanding: %s %s.",
		money.Format(disbursed.Amount), disbursed.Token, money.Format(disbursed.Outstanding), disbursed.Token))
	return disbursed, nil
}

// RepayLoan pays amount toward an active loan. The debit happens first and is
// compensated when the gateway fails or a concurrent repayment wins the ledger
// update. A loan whose outstanding falls within
// money.Epsilon becomes repaid and its collateral is released.
func (s *Service) RepayLoan(ctx context.Context, borrowerID, loanID uuid.UUID, amount decimal.Decimal) (*RepaymentResult, error) {
	amount, err := positiveAmount(amount)
	if err != nil {
		return nil, err
	}
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.BorrowerID != borrowerID {
		return nil, ErrNotBorrower
	}
	if loan.Status != domain.LoanActive {
		return nil, ErrLoanNotActive
	}
	if amount.GreaterThan(loan.Outstanding) {
		return nil, ErrExceedsOutstanding
	}

	chama, err := s.repo.FindChamaByID(ctx, loan.ChamaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chama: %w", err)
	}

	if err := s.reserve(ctx, borrowerID, loan.Token, amount); err != nil {
		return nil, err
	}

	receipt, err := s.gateway.Repay(ctx, chama.ContractAddress, loan.OnChainLoanID, chaingateway.TransferRequest{
		UserID: borrowerID,
		Token:  string(loan.Token),
		Amount: amount,
	})
	if err != nil {
		s.compensate(ctx, borrowerID, loan.Token, amount, "repayment gateway failure")
		return nil, gatewayError("repayment", err)
	}

	updated, err := s.repo.ApplyLoanRepayment(ctx, domain.LoanRepayment{
		ID:     uuid.New(),
		LoanID: loanID,
		Amount: amount,
		TxRef:  receipt.TxReference,
	})
	if err != nil {
		// A concurrent repayment settled the loan or shrank its outstanding first.
		// The ledger keeps its state; the borrower gets the debit back and the
		// on-chain transfer is left for reconciliation by tx_ref.
		if errors.Is(err, store.ErrExceedsOutstanding) || errors.Is(err, store.ErrLoanStateConflict) {
			s.logger.Warn("repayment rejected by ledger after gateway confirmation",
				"loan_id", loanID, "user_id", borrowerID, "amount", money.Format(amount),
				"tx_ref", receipt.TxReference, "error", err)
			s.compensate(ctx, borrowerID, loan.Token, amount, "repayment lost race for tx "+receipt.TxReference)
			if errors.Is(err, store.ErrExceedsOutstanding) {
				return nil, ErrExceedsOutstanding
			}
			return nil, ErrLoanNotActive
		}
		s.logger.Error("CRITICAL: repayment confirmed on-chain but not recorded",
			"loan_id", loanID, "user_id", borrowerID, "amount", money.Format(amount),
			"tx_ref", receipt.TxReference, "error", err)
		return nil, fmt.Errorf("failed to record repayment: %w", err)
	}

	fullyRepaid := updated.Status == domain.LoanRepaid
	s.recordAudit(ctx, domain.AuditLoanRepayment, borrowerID, loanID.String(), receipt.TxReference, map[string]string{
		"amount":      money.Format(amount),
		"outstanding": money.Format(updated.Outstanding),
	})
	if fullyRepaid {
		s.recordAudit(ctx, domain.AuditLoanRepaid, borrowerID, loanID.String(), receipt.TxReference, map[string]string{
			"collateral_released": money.Format(updated.Collateral),
		})
		s.notify(ctx, borrowerID, fmt.Sprintf("Loan fully repaid. Collateral of %s %s released.",
			money.Format(updated.Collateral), updated.Token))
	} else {
		s.notify(ctx, borrowerID, fmt.Sprintf("Repayment received. Outstanding: %s %s.",
			money.Format(updated.Outstanding), updated.Token))
	}

	return &RepaymentResult{Loan: updated, Outstanding: updated.Outstanding, FullyRepaid: fullyRepaid}, nil
}

// ExpireStaleVotingLoans rejects loans that stayed in voting longer than ttl and
// releases their collateral. It returns the number of loans rejected.
func (s *Service) ExpireStaleVotingLoans(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	rejected, err := s.repo.RejectStaleVotingLoans(ctx, s.now().Add(-ttl), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to reject stale loans: %w", err)
	}
	for _, loan := range rejected {
		s.recordAudit(ctx, domain.AuditLoanRejected, loan.BorrowerID, loan.ID.String(), "", map[string]string{
			"reason":              "voting expired",
			"collateral_released": money.Format(loan.Collateral),
		})
		s.notify(ctx, loan.BorrowerID, fmt.Sprintf(
			"Your loan request of %s %s expired without enough approvals. Collateral released.",
			money.Format(loan.Amount), loan.Token))
	}
	return len(rejected), nil
}

// ListChamaLoans lists a chama's loans for one of its members.
func (s *Service) ListChamaLoans(ctx context.Context, userID, chamaID uuid.UUID) ([]domain.Loan, error) {
	if _, err := s.activeMembership(ctx, chamaID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListLoansByChama(ctx, chamaID)
}

func (s *Service) findLoan(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		if errors.Is(err, store.ErrLoanNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	return loan, nil
}

func (s *Service) notifyMembers(ctx context.Context, chamaID, exceptUserID uuid.UUID, text string) {
	members, err := s.repo.ListActiveMembers(ctx, chamaID)
	if err != nil {
		s.logger.Warn("failed to list members for notification", "chama_id", chamaID, "error", err)
		return
	}
	for _, m := range members {
		if m.UserID == exceptUserID {
			continue
		}
		s.notify(ctx, m.UserID, text)
	}
}
