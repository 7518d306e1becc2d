/**
 * @description
 * This file defines the `Repository` and `BalanceStore` interfaces, which specify the
 * contract for all data access operations required by the chama service. The engine
 * only depends on these interfaces, never on PostgreSQL directly, which keeps the
 * state-transition rules testable against an in-memory ledger.
 *
 * @notes
 * - Every state transition is a conditional update guarded by the current status.
 *   When the guard does not match, the method returns a sentinel error and changes nothing.
 * - Multi-row effects that must land together (a vote and its quorum check, a repayment
 *   and the collateral release) run inside one database transaction.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrChamaNotFound      = errors.New("chama not found")
	ErrInviteCodeTaken    = errors.New("invite code already in use")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrAlreadyMember      = errors.New("already a member")
	ErrDuplicateDeposit   = errors.New("deposit already recorded")
	ErrInsufficientShare  = errors.New("insufficient share balance")
	ErrInsufficientPool   = errors.New("insufficient pool balance")
	ErrLoanNotFound       = errors.New("loan not found")
	ErrLoanStateConflict  = errors.New("loan is not in the expected state")
	ErrAlreadyVoted       = errors.New("already voted on this loan")
	ErrExceedsOutstanding = errors.New("amount exceeds outstanding balance")
	ErrOrderNotFound      = errors.New("mobile money order not found")
	ErrDuplicateOrder     = errors.New("mobile money order already exists")
	ErrPinNotSet          = errors.New("transaction pin not set")
)

// BalanceStore is the per-user, per-token balance ledger. Both operations are
// single atomic statements; a decrement that would go negative changes nothing.
type BalanceStore interface {
	DecrementBalance(ctx context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) (bool, error)
	IncrementBalance(ctx context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error
	GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
}

// SettleParams describes the terminal transition of a mobile-money order.
type SettleParams struct {
	OrderID           string
	Status            domain.MobileMoneyStatus
	ProviderReference string
	FailureReason     string
	// CreditBack credits AmountCrypto to the order owner in the same transaction
	// as the status change.
	CreditBack bool
}

// VoteResult reports the loan state after a vote was recorded.
type VoteResult struct {
	Loan     *domain.Loan
	Approved bool // true when this vote moved the loan from voting to approved
}

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// User methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)

	// Chama and membership methods
	InviteCodeExists(ctx context.Context, code string) (bool, error)
	CreateChamaWithAdmin(ctx context.Context, chama *domain.Chama, admin *domain.Membership) error
	FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error)
	FindChamaByInviteCode(ctx context.Context, code string) (*domain.Chama, error)
	ListChamasByUser(ctx context.Context, userID uuid.UUID) ([]domain.Chama, error)
	FindActiveMembership(ctx context.Context, chamaID, userID uuid.UUID) (*domain.Membership, error)
	AddMember(ctx context.Context, membership *domain.Membership) error
	ListActiveMembers(ctx context.Context, chamaID uuid.UUID) ([]domain.Membership, error)
	CountActiveMembers(ctx context.Context, chamaID uuid.UUID) (int, error)
	GetPoolBalance(ctx context.Context, chamaID uuid.UUID, token domain.Token) (decimal.Decimal, error)
	RecordDeposit(ctx context.Context, deposit *domain.Deposit) error
	ListDeposits(ctx context.Context, chamaID uuid.UUID, limit int) ([]domain.Deposit, error)
	RecordShareWithdrawal(ctx context.Context, chamaID, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error

	// Loan methods
	CreateLoan(ctx context.Context, loan *domain.Loan) error
	FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	ListLoansByChama(ctx context.Context, chamaID uuid.UUID) ([]domain.Loan, error)
	HasVoted(ctx context.Context, loanID, voterID uuid.UUID) (bool, error)
	RecordLoanVote(ctx context.Context, vote domain.LoanVote) (*VoteResult, error)
	MarkLoanDisbursed(ctx context.Context, loanID uuid.UUID, txRef string, disbursedAt time.Time) (*domain.Loan, error)
	ApplyLoanRepayment(ctx context.Context, repayment domain.LoanRepayment) (*domain.Loan, error)
	RejectStaleVotingLoans(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Loan, error)

	// Mobile money methods
	CreateMobileMoneyTransaction(ctx context.Context, tx *domain.MobileMoneyTransaction) error
	FindMobileMoneyTransactionByOrderID(ctx context.Context, orderID string) (*domain.MobileMoneyTransaction, error)
	SettleMobileMoneyTransaction(ctx context.Context, params SettleParams) (*domain.MobileMoneyTransaction, bool, error)
	ListStalePendingMobileMoneyTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.MobileMoneyTransaction, error)

	// Transaction PIN methods
	GetPinCredential(ctx context.Context, userID uuid.UUID) (*domain.PinCredential, error)
	UpsertPinHash(ctx context.Context, userID uuid.UUID, pinHash string) error
	RecordFailedPinAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error)
	ResetPinFailures(ctx context.Context, userID uuid.UUID) error
}
