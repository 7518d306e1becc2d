package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// newOrderID builds MM-<first 8 of user id>-<unix ms>-<0..9999>. It is generated once
// per initiation and becomes the idempotency key for the provider callback.
func newOrderID(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("MM-%s-%d-%d", userID.String()[:8], now.UnixMilli(), rand.Intn(10000))
}

// quote returns the TZS price of one unit of token.
func (s *Service) quote(ctx context.Context, token domain.Token) (decimal.Decimal, error) {
	if token == domain.TokenTZS {
		return decimal.NewFromInt(1), nil
	}
	rate, err := s.provider.GetExchangeRate(ctx, string(token))
	if err != nil {
		return decimal.Zero, gatewayError("exchange rate quote", err)
	}
	return rate.Rate, nil
}

func (s *Service) resolvePhone(ctx context.Context, userID uuid.UUID, phone string) (string, error) {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	if phone == "" {
		user, err := s.repo.FindUserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return "", ErrUserNotFound
			}
			return "", fmt.Errorf("failed to load user: %w", err)
		}
		phone = user.PhoneNumber
	}
	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhoneNumber
	}
	return phone, nil
}

// InitiateDeposit opens an on-ramp order: the user pays tzsAmount over mobile money and
// is credited the quoted token amount when the provider confirms.
func (s *Service) InitiateDeposit(ctx context.Context, userID uuid.UUID, phone string, token domain.Token, tzsAmount decimal.Decimal) (*domain.MobileMoneyTransaction, error) {
	token, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	tzsAmount = tzsAmount.Round(0)
	if !tzsAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	phone, err = s.resolvePhone(ctx, userID, phone)
	if err != nil {
		return nil, err
	}

	rate, err := s.quote(ctx, token)
	if err != nil {
		return nil, err
	}
	amountCrypto := money.Round(tzsAmount.Div(rate))
	if !amountCrypto.IsPositive() {
		return nil, ErrInvalidAmount
	}

	order := &domain.MobileMoneyTransaction{
		ID:           uuid.New(),
		OrderID:      s.orderIDFn(userID, s.now()),
		UserID:       userID,
		Type:         domain.MobileMoneyDeposit,
		Token:        token,
		AmountCrypto: amountCrypto,
		AmountTZS:    tzsAmount,
		PhoneNumber:  phone,
		Status:       domain.MobileMoneyPending,
	}
	if err := s.repo.CreateMobileMoneyTransaction(ctx, order); err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	resp, err := s.provider.CreateDepositOrder(ctx, order.OrderID, phone, tzsAmount, string(token))
	if err != nil {
		s.failOrder(ctx, order, err, false)
		return nil, gatewayError("deposit order", err)
	}
	if resp.Reference != "" {
		ref := resp.Reference
		order.ProviderReference = &ref
	}

	s.recordAudit(ctx, domain.AuditMobileMoneyInitiate, userID, order.OrderID, resp.Reference, map[string]string{
		"type":       string(order.Type),
		"token":      string(token),
		"amount":     money.Format(amountCrypto),
		"amount_tzs": money.Format(tzsAmount),
	})
	s.notify(ctx, userID, fmt.Sprintf("Confirm the %s TZS payment prompt on %s to receive %s %s.",
		money.Format(tzsAmount), phone, money.Format(amountCrypto), token))
	return order, nil
}

// InitiateWithdrawal opens an off-ramp order. The token amount is debited before the
// order is created and credited back if the provider rejects it.
func (s *Service) InitiateWithdrawal(ctx context.Context, userID uuid.UUID, phone string, token domain.Token, amount decimal.Decimal) (*domain.MobileMoneyTransaction, error) {
	token, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	amount, err = positiveAmount(amount)
	if err != nil {
		return nil, err
	}
	phone, err = s.resolvePhone(ctx, userID, phone)
	if err != nil {
		return nil, err
	}

	rate, err := s.quote(ctx, token)
	if err != nil {
		return nil, err
	}
	tzsAmount := amount.Mul(rate).Round(0)
	if !tzsAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if err := s.reserve(ctx, userID, token, amount); err != nil {
		return nil, err
	}

	order := &domain.MobileMoneyTransaction{
		ID:           uuid.New(),
		OrderID:      s.orderIDFn(userID, s.now()),
		UserID:       userID,
		Type:         domain.MobileMoneyWithdraw,
		Token:        token,
		AmountCrypto: amount,
		AmountTZS:    tzsAmount,
		PhoneNumber:  phone,
		Status:       domain.MobileMoneyPending,
	}
	if err := s.repo.CreateMobileMoneyTransaction(ctx, order); err != nil {
		s.compensate(ctx, userID, token, amount, "withdrawal order not persisted")
		if errors.Is(err, store.ErrDuplicateOrder) {
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	resp, err := s.provider.CreateWithdrawalOrder(ctx, order.OrderID, phone, tzsAmount, string(token))
	if err != nil {
		s.failOrder(ctx, order, err, true)
		return nil, gatewayError("withdrawal order", err)
	}
	if resp.Reference != "" {
		ref := resp.Reference
		order.ProviderReference = &ref
	}

	s.recordAudit(ctx, domain.AuditMobileMoneyInitiate, userID, order.OrderID, resp.Reference, map[string]string{
		"type":       string(order.Type),
		"token":      string(token),
		"amount":     money.Format(amount),
		"amount_tzs": money.Format(tzsAmount),
	})
	s.notify(ctx, userID, fmt.Sprintf("Withdrawal of %s %s started. %s TZS will be sent to %s.",
		money.Format(amount), token, money.Format(tzsAmount), phone))
	return order, nil
}

// failOrder settles a pending order as failed after the provider rejected it. creditBack
// returns the reserved amount in the same transaction as the status change.
func (s *Service) failOrder(ctx context.Context, order *domain.MobileMoneyTransaction, cause error, creditBack bool) {
	ctx = context.WithoutCancel(ctx)
	_, applied, err := s.repo.SettleMobileMoneyTransaction(ctx, store.SettleParams{
		OrderID:       order.OrderID,
		Status:        domain.MobileMoneyFailed,
		FailureReason: truncate(cause.Error(), 250),
		CreditBack:    creditBack,
	})
	if err != nil {
		s.logger.Error("CRITICAL: failed to mark rejected order as failed",
			"order_id", order.OrderID, "user_id", order.UserID, "credit_back", creditBack, "error", err)
		return
	}
	if !applied {
		s.logger.Warn("rejected order was already settled", "order_id", order.OrderID)
		return
	}
	s.logger.Warn("provider rejected order", "order_id", order.OrderID, "type", string(order.Type), "error", cause)
	if creditBack {
		s.recordAudit(ctx, domain.AuditCompensation, order.UserID, order.OrderID, "", map[string]string{
			"token":  string(order.Token),
			"amount": money.Format(order.AmountCrypto),
			"reason": "withdrawal order rejected",
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
