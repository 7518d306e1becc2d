/**
 * @description
 * This file defines the core domain models for the chama service. These structs
 * represent the savings groups, their members, deposits, loans and mobile-money
 * orders that flow between the database, the engine and the API layer.
 *
 * @notes
 * - Amounts are `decimal.Decimal` rounded to five decimal places at every boundary
 *   (see internal/money). Floats never carry money.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Token is a ledger asset symbol.
type Token string

const (
	TokenETH  Token = "ETH"
	TokenUSDT Token = "USDT"
	TokenTZS  Token = "TZS"
)

// SupportedTokens lists every token the ledger accepts.
var SupportedTokens = []Token{TokenETH, TokenUSDT, TokenTZS}

// ParseToken normalizes a user-supplied symbol.
func ParseToken(raw string) (Token, bool) {
	normalized := Token(strings.ToUpper(strings.TrimSpace(raw)))
	for _, t := range SupportedTokens {
		if t == normalized {
			return t, true
		}
	}
	return "", false
}

type ChamaStatus string

const (
	ChamaStatusActive ChamaStatus = "active"
	ChamaStatusClosed ChamaStatus = "closed"
)

type MembershipRole string

const (
	RoleAdmin  MembershipRole = "admin"
	RoleMember MembershipRole = "member"
)

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipRemoved MembershipStatus = "removed"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
)

// LoanStatus is a state of the loan lifecycle:
// requested -> voting -> approved -> active -> repaid, with rejected reachable only from voting.
type LoanStatus string

const (
	LoanRequested LoanStatus = "requested"
	LoanVoting    LoanStatus = "voting"
	LoanApproved  LoanStatus = "approved"
	LoanActive    LoanStatus = "active"
	LoanRepaid    LoanStatus = "repaid"
	LoanRejected  LoanStatus = "rejected"
)

// IsTerminal reports whether no further transition can leave the status.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanRepaid || s == LoanRejected
}

type MobileMoneyType string

const (
	MobileMoneyDeposit  MobileMoneyType = "deposit"
	MobileMoneyWithdraw MobileMoneyType = "withdraw"
)

type MobileMoneyStatus string

const (
	MobileMoneyPending   MobileMoneyStatus = "pending"
	MobileMoneyCompleted MobileMoneyStatus = "completed"
	MobileMoneyFailed    MobileMoneyStatus = "failed"
)

// IsTerminal reports whether the order can no longer change state.
func (s MobileMoneyStatus) IsTerminal() bool {
	return s == MobileMoneyCompleted || s == MobileMoneyFailed
}

// User is the subset of the user record the service needs.
type User struct {
	ID            uuid.UUID `json:"id"`
	PhoneNumber   string    `json:"phone_number"`
	DisplayName   string    `json:"display_name"`
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
}

// Balance is one row of the per-user, per-token balance store.
type Balance struct {
	UserID    uuid.UUID       `json:"user_id"`
	Token     Token           `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Chama is a savings group backed by an on-chain contract.
type Chama struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	InviteCode      string          `json:"invite_code"`
	CreatorID       uuid.UUID       `json:"creator_id"`
	ContractAddress string          `json:"contract_address"`
	DeployTxRef     string          `json:"deploy_tx_ref"`
	Status          ChamaStatus     `json:"status"`
	MemberCount     int             `json:"member_count"`
	TotalDeposits   decimal.Decimal `json:"total_deposits"` // USD value
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Membership links a user to a chama. Rows are never deleted; removal flips Status.
type Membership struct {
	ID                 uuid.UUID                 `json:"id"`
	ChamaID            uuid.UUID                 `json:"chama_id"`
	UserID             uuid.UUID                 `json:"user_id"`
	Role               MembershipRole            `json:"role"`
	Status             MembershipStatus          `json:"status"`
	TotalContributions decimal.Decimal           `json:"total_contributions"` // USD value
	Shares             map[Token]decimal.Decimal `json:"shares"`
	JoinTxRef          string                    `json:"join_tx_ref"`
	JoinedAt           time.Time                 `json:"joined_at"`
}

// Deposit is an append-only contribution record.
type Deposit struct {
	ID           uuid.UUID       `json:"id"`
	ChamaID      uuid.UUID       `json:"chama_id"`
	MemberID     uuid.UUID       `json:"member_id"`
	Token        Token           `json:"token"`
	AmountCrypto decimal.Decimal `json:"amount_crypto"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	TxRef        string          `json:"tx_ref"`
	Status       DepositStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Loan is a collateralized loan drawn from a chama pool.
type Loan struct {
	ID                 uuid.UUID       `json:"id"`
	ChamaID            uuid.UUID       `json:"chama_id"`
	BorrowerID         uuid.UUID       `json:"borrower_id"`
	Token              Token           `json:"token"`
	Amount             decimal.Decimal `json:"amount"`
	Collateral         decimal.Decimal `json:"collateral"`
	Outstanding        decimal.Decimal `json:"outstanding"`
	DurationDays       int             `json:"duration_days"`
	ApprovalsRequired  int             `json:"approvals_required"`
	ApprovalsReceived  int             `json:"approvals_received"`
	RejectionsReceived int             `json:"rejections_received"`
	OnChainLoanID      string          `json:"on_chain_loan_id"`
	RequestTxRef       string          `json:"request_tx_ref"`
	DisburseTxRef      *string         `json:"disburse_tx_ref,omitempty"`
	Status             LoanStatus      `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DisbursedAt        *time.Time      `json:"disbursed_at,omitempty"`
	DueAt              *time.Time      `json:"due_at,omitempty"`
	RepaidAt           *time.Time      `json:"repaid_at,omitempty"`
}

// QuorumReached reports whether enough approvals have been recorded.
func (l *Loan) QuorumReached() bool {
	return l.ApprovalsReceived >= l.ApprovalsRequired
}

// LoanVote is the single vote a member may cast on a loan.
type LoanVote struct {
	LoanID    uuid.UUID `json:"loan_id"`
	VoterID   uuid.UUID `json:"voter_id"`
	Approve   bool      `json:"approve"`
	TxRef     string    `json:"tx_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// LoanRepayment is an append-only repayment record.
type LoanRepayment struct {
	ID        uuid.UUID       `json:"id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	TxRef     string          `json:"tx_ref"`
	CreatedAt time.Time       `json:"created_at"`
}

// MobileMoneyTransaction is a provider order keyed by its unique OrderID.
type MobileMoneyTransaction struct {
	ID                uuid.UUID         `json:"id"`
	OrderID           string            `json:"order_id"`
	UserID            uuid.UUID         `json:"user_id"`
	Type              MobileMoneyType   `json:"type"`
	Token             Token             `json:"token"`
	AmountCrypto      decimal.Decimal   `json:"amount_crypto"`
	AmountTZS         decimal.Decimal   `json:"amount_tzs"`
	PhoneNumber       string            `json:"phone_number"`
	Status            MobileMoneyStatus `json:"status"`
	ProviderReference *string           `json:"provider_reference,omitempty"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// PinCredential holds the hashed transaction PIN and its lockout state.
type PinCredential struct {
	UserID         uuid.UUID  `json:"user_id"`
	PinHash        string     `json:"-"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
