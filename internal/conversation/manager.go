package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chamalink/chama-service/internal/app"
	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownFlow rejects a start request for a flow that does not exist.
var ErrUnknownFlow = errors.New("unknown conversation flow")

// Engine is the part of the chama engine that finished flows dispatch to.
type Engine interface {
	SetPin(ctx context.Context, userID uuid.UUID, pin, currentPin string) error
	VerifyPin(ctx context.Context, userID uuid.UUID, pin string) error
	Contribute(ctx context.Context, userID, chamaID uuid.UUID, token domain.Token, amount, usdValue decimal.Decimal) (*domain.Deposit, error)
	RequestLoan(ctx context.Context, borrowerID, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal, durationDays int) (*domain.Loan, error)
	RepayLoan(ctx context.Context, borrowerID, loanID uuid.UUID, amount decimal.Decimal) (*app.RepaymentResult, error)
}

// Manager runs conversations against the session store and the engine.
type Manager struct {
	store  SessionStore
	engine Engine
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(store SessionStore, engine Engine, logger *slog.Logger) *Manager {
	return &Manager{store: store, engine: engine, logger: logger.With("component", "conversation"), now: time.Now}
}

// Start replaces any active session of the user with a new one for flowName.
func (m *Manager) Start(ctx context.Context, userID uuid.UUID, flowName string) (Reply, error) {
	flow, ok := ParseFlow(flowName)
	if !ok {
		return Reply{}, ErrUnknownFlow
	}
	session, reply, err := Start(userID, flow, m.now())
	if err != nil {
		return Reply{}, err
	}
	if err := m.store.Save(ctx, session); err != nil {
		return Reply{}, err
	}
	m.logger.Info("conversation started", "user_id", userID, "flow", string(flow))
	return reply, nil
}

// Handle applies one message to the user's active session. Engine failures are
// rendered into the reply text; only storage failures are returned as errors.
func (m *Manager) Handle(ctx context.Context, userID uuid.UUID, input string) (Reply, error) {
	session, err := m.store.Load(ctx, userID)
	if err != nil {
		return Reply{}, err
	}

	reply := Advance(session, input, m.now())
	if !reply.Done {
		if err := m.store.Save(ctx, session); err != nil {
			return Reply{}, err
		}
		return reply, nil
	}

	if err := m.store.Delete(ctx, userID); err != nil {
		m.logger.Warn("failed to delete finished session", "user_id", userID, "error", err)
	}
	if reply.Command == nil {
		return reply, nil
	}

	text, err := m.execute(ctx, userID, reply.Command)
	if err != nil {
		m.logger.Info("conversation command failed", "user_id", userID, "command", string(reply.Command.Kind), "error", err)
		text = app.UserMessage(err)
	}
	return Reply{Text: text, Done: true, Command: reply.Command}, nil
}

func (m *Manager) execute(ctx context.Context, userID uuid.UUID, cmd *Command) (string, error) {
	if cmd.Kind == CommandSetPin {
		if err := m.engine.SetPin(ctx, userID, cmd.Pin, ""); err != nil {
			return "", err
		}
		return "PIN saved. Your wallet is ready to use.", nil
	}

	if err := m.engine.VerifyPin(ctx, userID, cmd.Pin); err != nil {
		return "", err
	}

	switch cmd.Kind {
	case CommandContribute:
		deposit, err := m.engine.Contribute(ctx, userID, cmd.ChamaID, cmd.Token, cmd.Amount, cmd.USDValue)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Contributed %s %s. Ref: %s", money.Format(deposit.AmountCrypto), deposit.Token, deposit.TxRef), nil
	case CommandRequestLoan:
		loan, err := m.engine.RequestLoan(ctx, userID, cmd.ChamaID, cmd.Token, cmd.Amount, cmd.DurationDays)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Loan request submitted. Collateral held: %s %s. %d approvals needed. Loan ID: %s",
			money.Format(loan.Collateral), loan.Token, loan.ApprovalsRequired, loan.ID), nil
	case CommandRepayLoan:
		result, err := m.engine.RepayLoan(ctx, userID, cmd.LoanID, cmd.Amount)
		if err != nil {
			return "", err
		}
		if result.FullyRepaid {
			return "Payment successful. Loan fully repaid and collateral returned.", nil
		}
		return fmt.Sprintf("Payment successful. Remaining: %s %s", money.Format(result.Outstanding), result.Loan.Token), nil
	default:
		return "", fmt.Errorf("unsupported command %q", cmd.Kind)
	}
}
