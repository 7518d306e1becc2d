/**
 * @description
 * This file contains the core of the chama engine. The `Service` struct owns every
 * financial invariant of the system: it validates commands, reserves funds in the
 * balance store, submits the matching transaction through the chain gateway and only
 * then commits the result to the ledger.
 *
 * Key features:
 * - Chama membership and contributions (chama.go).
 * - The collateralized loan lifecycle with member voting (loan.go).
 * - Mobile-money deposit and withdrawal initiation (mobile_money.go).
 * - Transaction PIN verification with lockout (pin.go).
 *
 * @notes
 * - No database lock is held across a gateway call. Every commit after a gateway call is
 *   a conditional update, so a racing command loses cleanly with a conflict.
 * - A debit made before a failed gateway call is always credited back before returning.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/chaingateway"
	"github.com/chamalink/chama-service/pkg/zenoclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChainGateway submits chama contract transactions.
type ChainGateway interface {
	CreateChama(ctx context.Context, req chaingateway.CreateChamaRequest) (*chaingateway.Receipt, error)
	JoinChama(ctx context.Context, contractAddress string, req chaingateway.MemberRequest) (*chaingateway.Receipt, error)
	Contribute(ctx context.Context, contractAddress string, req chaingateway.TransferRequest) (*chaingateway.Receipt, error)
	Withdraw(ctx context.Context, contractAddress string, req chaingateway.TransferRequest) (*chaingateway.Receipt, error)
	RequestLoan(ctx context.Context, contractAddress string, req chaingateway.LoanRequest) (*chaingateway.Receipt, error)
	Vote(ctx context.Context, contractAddress, onChainLoanID string, req chaingateway.VoteRequest) (*chaingateway.Receipt, error)
	Disburse(ctx context.Context, contractAddress, onChainLoanID string, req chaingateway.MemberRequest) (*chaingateway.Receipt, error)
	Repay(ctx context.Context, contractAddress, onChainLoanID string, req chaingateway.TransferRequest) (*chaingateway.Receipt, error)
}

// PaymentProvider is the mobile-money gateway.
type PaymentProvider interface {
	GetExchangeRate(ctx context.Context, token string) (*zenoclient.RateResponse, error)
	CreateDepositOrder(ctx context.Context, orderID, phoneNumber string, tzsAmount decimal.Decimal, token string) (*zenoclient.OrderResponse, error)
	CreateWithdrawalOrder(ctx context.Context, orderID, phoneNumber string, tzsAmount decimal.Decimal, token string) (*zenoclient.OrderResponse, error)
	OrderStatus(ctx context.Context, orderID string) (*zenoclient.OrderStatusResponse, error)
}

// Notifier delivers a text to a user. Delivery is fire-and-forget; implementations log failures.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, text string)
}

// AuditRecorder receives one event per committed state transition.
type AuditRecorder interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}

// LoanPolicy holds the tunable lending rules.
type LoanPolicy struct {
	QuorumRatio     float64
	CollateralRatio float64
	InterestPercent float64
	MaxDurationDays int
}

// PinPolicy holds the lockout rules for transaction PINs.
type PinPolicy struct {
	MaxAttempts int
	Lockout     time.Duration
}

// Service provides the core business logic of the chama engine.
type Service struct {
	repo      store.Repository
	balances  store.BalanceStore
	gateway   ChainGateway
	provider  PaymentProvider
	notifier  Notifier
	audit     AuditRecorder
	loans     LoanPolicy
	pins      PinPolicy
	logger    *slog.Logger
	now       func() time.Time
	codeGen   func() (string, error)
	orderIDFn func(userID uuid.UUID, now time.Time) string
}

// Dependencies groups the collaborators of a Service.
type Dependencies struct {
	Repo     store.Repository
	Balances store.BalanceStore
	Gateway  ChainGateway
	Provider PaymentProvider
	Notifier Notifier
	Audit    AuditRecorder
	Logger   *slog.Logger
}

// NewService creates a new chama engine instance.
func NewService(deps Dependencies, loans LoanPolicy, pins PinPolicy) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if loans.QuorumRatio <= 0 || loans.QuorumRatio > 1 {
		loans.QuorumRatio = 0.51
	}
	if loans.MaxDurationDays <= 0 {
		loans.MaxDurationDays = 365
	}
	if pins.MaxAttempts <= 0 {
		pins.MaxAttempts = 3
	}
	if pins.Lockout <= 0 {
		pins.Lockout = 5 * time.Minute
	}
	return &Service{
		repo:      deps.Repo,
		balances:  deps.Balances,
		gateway:   deps.Gateway,
		provider:  deps.Provider,
		notifier:  deps.Notifier,
		audit:     deps.Audit,
		loans:     loans,
		pins:      pins,
		logger:    logger.With("component", "chama_engine"),
		now:       time.Now,
		codeGen:   generateInviteCode,
		orderIDFn: newOrderID,
	}
}

// GetBalances returns every token balance held by the user.
func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	return s.balances.GetBalances(ctx, userID)
}

// reserve debits amount from the user's balance. A false result from the store is
// reported as ErrInsufficientBalance.
func (s *Service) reserve(ctx context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	ok, err := s.balances.DecrementBalance(ctx, userID, token, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}

// compensate credits back a debit whose follow-up failed. A failed credit is logged as
// critical because the user's balance is short until an operator intervenes.
func (s *Service) compensate(ctx context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal, reason string) {
	if err := s.balances.IncrementBalance(context.WithoutCancel(ctx), userID, token, amount); err != nil {
		s.logger.Error("CRITICAL: failed to compensate debit",
			"user_id", userID, "token", string(token), "amount", money.Format(amount), "reason", reason, "error", err)
		return
	}
	s.logger.Warn("debit compensated", "user_id", userID, "token", string(token), "amount", money.Format(amount), "reason", reason)
	s.recordAudit(ctx, domain.AuditCompensation, userID, userID.String(), "", map[string]string{
		"token":  string(token),
		"amount": money.Format(amount),
		"reason": reason,
	})
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, text string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, text)
}

func (s *Service) recordAudit(ctx context.Context, action domain.AuditAction, actorID uuid.UUID, entityID, txRef string, attrs map[string]string) {
	if s.audit == nil {
		return
	}
	event := domain.AuditEvent{
		ID:         uuid.New(),
		Action:     action,
		ActorID:    actorID,
		EntityID:   entityID,
		TxRef:      txRef,
		Attributes: attrs,
		OccurredAt: s.now().UTC(),
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("failed to record audit event", "action", string(action), "entity_id", entityID, "error", err)
	}
}

func normalizeToken(raw domain.Token) (domain.Token, error) {
	token, ok := domain.ParseToken(string(raw))
	if !ok {
		return "", ErrUnsupportedToken
	}
	return token, nil
}

func positiveAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := money.Round(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return rounded, nil
}
