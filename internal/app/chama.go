package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/chaingateway"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeLength   = 8
	maxChamaNameLength = 100
	recentDepositLimit = 20
)

// ChamaDetails is the member-facing view of one chama.
type ChamaDetails struct {
	Chama    *domain.Chama                    `json:"chama"`
	Members  []domain.Membership              `json:"members"`
	Deposits []domain.Deposit                 `json:"recent_deposits"`
	Loans    []domain.Loan                    `json:"loans"`
	Pool     map[domain.Token]decimal.Decimal `json:"pool"`
}

// ShareWithdrawal is the result of a member withdrawing from their pool share.
type ShareWithdrawal struct {
	ChamaID uuid.UUID       `json:"chama_id"`
	Token   domain.Token    `json:"token"`
	Amount  decimal.Decimal `json:"amount"`
	TxRef   string          `json:"tx_ref"`
}

func generateInviteCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(inviteCodeAlphabet)))
	for i := 0; i < inviteCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(inviteCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// CreateChama deploys a chama contract and, once the gateway confirms, persists the
// chama with its creator as admin. An invite code collision fails without retrying.
func (s *Service) CreateChama(ctx context.Context, creatorID uuid.UUID, name, description string) (*domain.Chama, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" || len(name) > maxChamaNameLength {
		return nil, ErrNameRequired
	}
	if _, err := s.repo.FindUserByID(ctx, creatorID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load creator: %w", err)
	}

	code, err := s.codeGen()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invite code: %w", err)
	}
	taken, err := s.repo.InviteCodeExists(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to check invite code: %w", err)
	}
	if taken {
		return nil, ErrInviteCodeTaken
	}

	receipt, err := s.gateway.CreateChama(ctx, chaingateway.CreateChamaRequest{
		InviteCode:  code,
		Name:        name,
		Description: description,
		CreatorID:   creatorID,
	})
	if err != nil {
		if errors.Is(err, chaingateway.ErrInviteCodeTaken) {
			return nil, ErrInviteCodeTaken
		}
		s.logger.Warn("chama deployment failed", "user_id", creatorID, "error", err)
		return nil, gatewayError("create chama", err)
	}

	chama := &domain.Chama{
		ID:              uuid.New(),
		Name:            name,
		Description:     description,
		InviteCode:      code,
		CreatorID:       creatorID,
		ContractAddress: receipt.ContractAddress,
		DeployTxRef:     receipt.TxReference,
		Status:          domain.ChamaStatusActive,
	}
	admin := &domain.Membership{
		ID:        uuid.New(),
		ChamaID:   chama.ID,
		UserID:    creatorID,
		Role:      domain.RoleAdmin,
		Status:    domain.MembershipActive,
		Shares:    map[domain.Token]decimal.Decimal{},
		JoinTxRef: receipt.TxReference,
	}
	if err := s.repo.CreateChamaWithAdmin(ctx, chama, admin); err != nil {
		s.logger.Error("CRITICAL: chama deployed on-chain but not persisted",
			"user_id", creatorID, "contract_address", receipt.ContractAddress, "tx_ref", receipt.TxReference, "error", err)
		if errors.Is(err, store.ErrInviteCodeTaken) {
			return nil, ErrInviteCodeTaken
		}
		return nil, fmt.Errorf("failed to persist chama: %w", err)
	}

	s.logger.Info("chama created", "chama_id", chama.ID, "user_id", creatorID, "tx_ref", receipt.TxReference)
	s.recordAudit(ctx, domain.AuditChamaCreated, creatorID, chama.ID.String(), receipt.TxReference, map[string]string{
		"invite_code":      code,
		"contract_address": receipt.ContractAddress,
	})
	s.notify(ctx, creatorID, fmt.Sprintf("Chama %q created. Share invite code %s with your group.", name, code))
	return chama, nil
}

// JoinChama adds the user to the chama identified by inviteCode.
func (s *Service) JoinChama(ctx context.Context, userID uuid.UUID, inviteCode string) (*domain.Membership, error) {
	code := strings.ToUpper(strings.TrimSpace(inviteCode))
	if len(code) != inviteCodeLength {
		return nil, ErrInvalidInviteCode
	}

	chama, err := s.repo.FindChamaByInviteCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrChamaNotFound) {
			return nil, ErrChamaNotFound
		}
		return nil, fmt.Errorf("failed to load chama: %w", err)
	}
	if chama.Status != domain.ChamaStatusActive {
		return nil, ErrChamaNotFound
	}

	if _, err := s.repo.FindActiveMembership(ctx, chama.ID, userID); err == nil {
		return nil, ErrAlreadyMember
	} else if !errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}

	receipt, err := s.gateway.JoinChama(ctx, chama.ContractAddress, chaingateway.MemberRequest{UserID: userID})
	if err != nil {
		s.logger.Warn("chama join failed", "chama_id", chama.ID, "user_id", userID, "error", err)
		return nil, gatewayError("join chama", err)
	}

	membership := &domain.Membership{
		ID:        uuid.New(),
		ChamaID:   chama.ID,
		UserID:    userID,
		Role:      domain.RoleMember,
		Status:    domain.MembershipActive,
		Shares:    map[domain.Token]decimal.Decimal{},
		JoinTxRef: receipt.TxReference,
	}
	if err := s.repo.AddMember(ctx, membership); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyMember):
			return nil, ErrAlreadyMember
		case errors.Is(err, store.ErrChamaNotFound):
			s.logger.Error("CRITICAL: joined on-chain but chama is no longer active locally",
				"chama_id", chama.ID, "user_id", userID, "tx_ref", receipt.TxReference)
			return nil, ErrChamaNotFound
		}
		s.logger.Error("CRITICAL: joined on-chain but membership not persisted",
			"chama_id", chama.ID, "user_id", userID, "tx_ref", receipt.TxReference, "error", err)
		return nil, fmt.Errorf("failed to persist membership: %w", err)
	}

	s.recordAudit(ctx, domain.AuditMemberJoined, userID, chama.ID.String(), receipt.TxReference, nil)
	s.notify(ctx, userID, fmt.Sprintf("Welcome to %s! You are now a member.", chama.Name))
	return membership, nil
}

// Contribute moves amount of token from the user's balance into the chama pool.
// usdValue is the caller's valuation of the contribution and feeds the USD totals.
func (s *Service) Contribute(ctx context.Context, userID, chamaID uuid.UUID, token domain.Token, amount, usdValue decimal.Decimal) (*domain.Deposit, error) {
	token, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	amount, err = positiveAmount(amount)
	if err != nil {
		return nil, err
	}
	usdValue = money.Round(usdValue)
	if usdValue.IsNegative() {
		return nil, ErrInvalidAmount
	}

	chama, err := s.activeChama(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if _, err := s.activeMembership(ctx, chamaID, userID); err != nil {
		return nil, err
	}

	if err := s.reserve(ctx, userID, token, amount); err != nil {
		return nil, err
	}

	receipt, err := s.gateway.Contribute(ctx, chama.ContractAddress, chaingateway.TransferRequest{
		UserID: userID,
		Token:  string(token),
		Amount: amount,
	})
	if err != nil {
		s.compensate(ctx, userID, token, amount, "contribution gateway failure")
		return nil, gatewayError("contribution", err)
	}

	deposit := &domain.Deposit{
		ID:           uuid.New(),
		ChamaID:      chamaID,
		MemberID:     userID,
		Token:        token,
		AmountCrypto: amount,
		AmountUSD:    usdValue,
		TxRef:        receipt.TxReference,
		Status:       domain.DepositConfirmed,
	}
	if err := s.repo.RecordDeposit(ctx, deposit); err != nil {
		s.logger.Error("CRITICAL: contribution confirmed on-chain but not recorded",
			"chama_id", chamaID, "user_id", userID, "token", string(token), "amount", money.Format(amount),
			"tx_ref", receipt.TxReference, "error", err)
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}

	s.recordAudit(ctx, domain.AuditContributionMade, userID, chamaID.String(), receipt.TxReference, map[string]string{
		"token":      string(token),
		"amount":     money.Format(amount),
		"amount_usd": money.Format(usdValue),
	})
	s.notify(ctx, userID, fmt.Sprintf("Contribution of %s %s to %s confirmed.", money.Format(amount), token, chama.Name))
	return deposit, nil
}

// WithdrawFromChama returns amount of token from the member's pool share to their balance.
// Share that is currently out on loan cannot be withdrawn.
func (s *Service) WithdrawFromChama(ctx context.Context, userID, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal) (*ShareWithdrawal, error) {
	token, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	amount, err = positiveAmount(amount)
	if err != nil {
		return nil, err
	}

	chama, err := s.activeChama(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	membership, err := s.activeMembership(ctx, chamaID, userID)
	if err != nil {
		return nil, err
	}
	if membership.Shares[token].LessThan(amount) {
		return nil, ErrInsufficientShare
	}
	pool, err := s.repo.GetPoolBalance(ctx, chamaID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool balance: %w", err)
	}
	if pool.LessThan(amount) {
		return nil, ErrPoolLentOut
	}

	receipt, err := s.gateway.Withdraw(ctx, chama.ContractAddress, chaingateway.TransferRequest{
		UserID: userID,
		Token:  string(token),
		Amount: amount,
	})
	if err != nil {
		return nil, gatewayError("withdrawal", err)
	}

	if err := s.repo.RecordShareWithdrawal(ctx, chamaID, userID, token, amount); err != nil {
		s.logger.Error("CRITICAL: withdrawal confirmed on-chain but not recorded",
			"chama_id", chamaID, "user_id", userID, "token", string(token), "amount", money.Format(amount),
			"tx_ref", receipt.TxReference, "error", err)
		switch {
		case errors.Is(err, store.ErrInsufficientShare):
			return nil, ErrInsufficientShare
		case errors.Is(err, store.ErrInsufficientPool):
			return nil, ErrPoolLentOut
		}
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}

	s.recordAudit(ctx, domain.AuditShareWithdrawn, userID, chamaID.String(), receipt.TxReference, map[string]string{
		"token":  string(token),
		"amount": money.Format(amount),
	})
	s.notify(ctx, userID, fmt.Sprintf("Withdrew %s %s from %s.", money.Format(amount), token, chama.Name))
	return &ShareWithdrawal{ChamaID: chamaID, Token: token, Amount: amount, TxRef: receipt.TxReference}, nil
}

// ListMyChamas lists the chamas the user is an active member of.
func (s *Service) ListMyChamas(ctx context.Context, userID uuid.UUID) ([]domain.Chama, error) {
	return s.repo.ListChamasByUser(ctx, userID)
}

// GetChamaDetails returns members, recent deposits, loans and pool balances. Only
// members may read a chama.
func (s *Service) GetChamaDetails(ctx context.Context, userID, chamaID uuid.UUID) (*ChamaDetails, error) {
	chama, err := s.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		if errors.Is(err, store.ErrChamaNotFound) {
			return nil, ErrChamaNotFound
		}
		return nil, fmt.Errorf("failed to load chama: %w", err)
	}
	if _, err := s.activeMembership(ctx, chamaID, userID); err != nil {
		return nil, err
	}

	members, err := s.repo.ListActiveMembers(ctx, chamaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	deposits, err := s.repo.ListDeposits(ctx, chamaID, recentDepositLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	loans, err := s.repo.ListLoansByChama(ctx, chamaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	pool := make(map[domain.Token]decimal.Decimal, len(domain.SupportedTokens))
	for _, token := range domain.SupportedTokens {
		amount, err := s.repo.GetPoolBalance(ctx, chamaID, token)
		if err != nil {
			return nil, fmt.Errorf("failed to load pool balance: %w", err)
		}
		if !amount.IsZero() {
			pool[token] = amount
		}
	}

	return &ChamaDetails{Chama: chama, Members: members, Deposits: deposits, Loans: loans, Pool: pool}, nil
}

func (s *Service) activeChama(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	chama, err := s.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		if errors.Is(err, store.ErrChamaNotFound) {
			return nil, ErrChamaNotFound
		}
		return nil, fmt.Errorf("failed to load chama: %w", err)
	}
	if chama.Status != domain.ChamaStatusActive {
		return nil, ErrChamaNotFound
	}
	return chama, nil
}

func (s *Service) activeMembership(ctx context.Context, chamaID, userID uuid.UUID) (*domain.Membership, error) {
	membership, err := s.repo.FindActiveMembership(ctx, chamaID, userID)
	if err != nil {
		if errors.Is(err, store.ErrMembershipNotFound) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	return membership, nil
}
