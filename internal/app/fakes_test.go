package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/chaingateway"
	"github.com/chamalink/chama-service/pkg/zenoclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memLedger is an in-memory store.Repository and store.BalanceStore with the same
// conditional-update rules as the PostgreSQL repository.
type memLedger struct {
	mu       sync.Mutex
	users    map[uuid.UUID]domain.User
	balances map[uuid.UUID]map[domain.Token]decimal.Decimal
	chamas   map[uuid.UUID]*domain.Chama
	members  map[uuid.UUID]map[uuid.UUID]*domain.Membership
	pools    map[uuid.UUID]map[domain.Token]decimal.Decimal
	deposits []domain.Deposit
	loans    map[uuid.UUID]*domain.Loan
	votes    map[uuid.UUID]map[uuid.UUID]bool
	repaid   []domain.LoanRepayment
	orders   map[string]*domain.MobileMoneyTransaction
	pins     map[uuid.UUID]*domain.PinCredential

	// failures maps a method name to the error it returns once.
	failures map[string]error
}

func newMemLedger() *memLedger {
	return &memLedger{
		users:    map[uuid.UUID]domain.User{},
		balances: map[uuid.UUID]map[domain.Token]decimal.Decimal{},
		chamas:   map[uuid.UUID]*domain.Chama{},
		members:  map[uuid.UUID]map[uuid.UUID]*domain.Membership{},
		pools:    map[uuid.UUID]map[domain.Token]decimal.Decimal{},
		loans:    map[uuid.UUID]*domain.Loan{},
		votes:    map[uuid.UUID]map[uuid.UUID]bool{},
		orders:   map[string]*domain.MobileMoneyTransaction{},
		pins:     map[uuid.UUID]*domain.PinCredential{},
		failures: map[string]error{},
	}
}

func (m *memLedger) failOnce(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *memLedger) takeFailure(method string) error {
	err := m.failures[method]
	delete(m.failures, method)
	return err
}

func (m *memLedger) addUser(phone string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = domain.User{ID: id, PhoneNumber: phone, CreatedAt: time.Now()}
	return id
}

func (m *memLedger) balance(userID uuid.UUID, token domain.Token) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID][token]
}

func (m *memLedger) pool(chamaID uuid.UUID, token domain.Token) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[chamaID][token]
}

func (m *memLedger) depositCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deposits)
}

func (m *memLedger) repaymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.repaid)
}

func (m *memLedger) loan(loanID uuid.UUID) domain.Loan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.loans[loanID]
}

func (m *memLedger) order(orderID string) domain.MobileMoneyTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[orderID]
}

func (m *memLedger) credit(userID uuid.UUID, token domain.Token, amount decimal.Decimal) {
	if m.balances[userID] == nil {
		m.balances[userID] = map[domain.Token]decimal.Decimal{}
	}
	m.balances[userID][token] = money.Round(m.balances[userID][token].Add(amount))
}

func (m *memLedger) adjustPool(chamaID uuid.UUID, token domain.Token, delta decimal.Decimal) {
	if m.pools[chamaID] == nil {
		m.pools[chamaID] = map[domain.Token]decimal.Decimal{}
	}
	m.pools[chamaID][token] = money.Round(m.pools[chamaID][token].Add(delta))
}

func (m *memLedger) debitPool(chamaID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	if m.pools[chamaID][token].LessThan(amount) {
		return store.ErrInsufficientPool
	}
	m.adjustPool(chamaID, token, amount.Neg())
	return nil
}

func copyMembership(src *domain.Membership) domain.Membership {
	out := *src
	out.Shares = make(map[domain.Token]decimal.Decimal, len(src.Shares))
	for k, v := range src.Shares {
		out.Shares[k] = v
	}
	return out
}

func (m *memLedger) DecrementBalance(_ context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("DecrementBalance"); err != nil {
		return false, err
	}
	current := m.balances[userID][token]
	if current.LessThan(amount) {
		return false, nil
	}
	m.balances[userID][token] = money.Sub(current, amount)
	return true, nil
}

func (m *memLedger) IncrementBalance(_ context.Context, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("IncrementBalance"); err != nil {
		return err
	}
	m.credit(userID, token, amount)
	return nil
}

func (m *memLedger) GetBalances(_ context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Balance
	for token, amount := range m.balances[userID] {
		out = append(out, domain.Balance{UserID: userID, Token: token, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *memLedger) FindUserByID(_ context.Context, userID uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return &user, nil
}

func (m *memLedger) InviteCodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chamas {
		if c.InviteCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) CreateChamaWithAdmin(_ context.Context, chama *domain.Chama, admin *domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateChamaWithAdmin"); err != nil {
		return err
	}
	for _, c := range m.chamas {
		if c.InviteCode == chama.InviteCode {
			return store.ErrInviteCodeTaken
		}
	}
	now := time.Now()
	chama.MemberCount = 1
	chama.CreatedAt, chama.UpdatedAt = now, now
	stored := *chama
	m.chamas[chama.ID] = &stored
	admin.JoinedAt = now
	member := copyMembership(admin)
	m.members[chama.ID] = map[uuid.UUID]*domain.Membership{admin.UserID: &member}
	return nil
}

func (m *memLedger) findChama(match func(*domain.Chama) bool) (*domain.Chama, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chamas {
		if match(c) {
			out := *c
			return &out, nil
		}
	}
	return nil, store.ErrChamaNotFound
}

func (m *memLedger) FindChamaByID(_ context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	return m.findChama(func(c *domain.Chama) bool { return c.ID == chamaID })
}

func (m *memLedger) FindChamaByInviteCode(_ context.Context, code string) (*domain.Chama, error) {
	return m.findChama(func(c *domain.Chama) bool { return c.InviteCode == code })
}

func (m *memLedger) ListChamasByUser(_ context.Context, userID uuid.UUID) ([]domain.Chama, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Chama
	for chamaID, members := range m.members {
		if mem, ok := members[userID]; ok && mem.Status == domain.MembershipActive {
			out = append(out, *m.chamas[chamaID])
		}
	}
	return out, nil
}

func (m *memLedger) FindActiveMembership(_ context.Context, chamaID, userID uuid.UUID) (*domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[chamaID][userID]
	if !ok || mem.Status != domain.MembershipActive {
		return nil, store.ErrMembershipNotFound
	}
	out := copyMembership(mem)
	return &out, nil
}

func (m *memLedger) AddMember(_ context.Context, membership *domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chama, ok := m.chamas[membership.ChamaID]
	if !ok || chama.Status != domain.ChamaStatusActive {
		return store.ErrChamaNotFound
	}
	if existing, ok := m.members[chama.ID][membership.UserID]; ok && existing.Status == domain.MembershipActive {
		return store.ErrAlreadyMember
	}
	membership.JoinedAt = time.Now()
	member := copyMembership(membership)
	if m.members[chama.ID] == nil {
		m.members[chama.ID] = map[uuid.UUID]*domain.Membership{}
	}
	m.members[chama.ID][membership.UserID] = &member
	chama.MemberCount++
	return nil
}

func (m *memLedger) ListActiveMembers(_ context.Context, chamaID uuid.UUID) ([]domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Membership
	for _, mem := range m.members[chamaID] {
		if mem.Status == domain.MembershipActive {
			out = append(out, copyMembership(mem))
		}
	}
	return out, nil
}

func (m *memLedger) CountActiveMembers(ctx context.Context, chamaID uuid.UUID) (int, error) {
	members, err := m.ListActiveMembers(ctx, chamaID)
	return len(members), err
}

func (m *memLedger) GetPoolBalance(_ context.Context, chamaID uuid.UUID, token domain.Token) (decimal.Decimal, error) {
	return m.pool(chamaID, token), nil
}

func (m *memLedger) RecordDeposit(_ context.Context, deposit *domain.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("RecordDeposit"); err != nil {
		return err
	}
	for _, d := range m.deposits {
		if d.TxRef == deposit.TxRef {
			return store.ErrDuplicateDeposit
		}
	}
	mem, ok := m.members[deposit.ChamaID][deposit.MemberID]
	if !ok || mem.Status != domain.MembershipActive {
		return store.ErrMembershipNotFound
	}
	deposit.CreatedAt = time.Now()
	m.deposits = append(m.deposits, *deposit)
	mem.TotalContributions = mem.TotalContributions.Add(deposit.AmountUSD)
	if mem.Shares == nil {
		mem.Shares = map[domain.Token]decimal.Decimal{}
	}
	mem.Shares[deposit.Token] = money.Round(mem.Shares[deposit.Token].Add(deposit.AmountCrypto))
	m.adjustPool(deposit.ChamaID, deposit.Token, deposit.AmountCrypto)
	chama := m.chamas[deposit.ChamaID]
	chama.TotalDeposits = chama.TotalDeposits.Add(deposit.AmountUSD)
	return nil
}

func (m *memLedger) ListDeposits(_ context.Context, chamaID uuid.UUID, limit int) ([]domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deposit
	for i := len(m.deposits) - 1; i >= 0 && len(out) < limit; i-- {
		if m.deposits[i].ChamaID == chamaID {
			out = append(out, m.deposits[i])
		}
	}
	return out, nil
}

func (m *memLedger) RecordShareWithdrawal(_ context.Context, chamaID, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[chamaID][userID]
	if !ok || mem.Status != domain.MembershipActive {
		return store.ErrMembershipNotFound
	}
	if mem.Shares[token].LessThan(amount) {
		return store.ErrInsufficientShare
	}
	if err := m.debitPool(chamaID, token, amount); err != nil {
		return err
	}
	mem.Shares[token] = money.Sub(mem.Shares[token], amount)
	m.credit(userID, token, amount)
	return nil
}

func (m *memLedger) CreateLoan(_ context.Context, loan *domain.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateLoan"); err != nil {
		return err
	}
	now := time.Now()
	loan.CreatedAt, loan.UpdatedAt = now, now
	stored := *loan
	m.loans[loan.ID] = &stored
	return nil
}

func (m *memLedger) FindLoanByID(_ context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	out := *loan
	return &out, nil
}

func (m *memLedger) ListLoansByChama(_ context.Context, chamaID uuid.UUID) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Loan
	for _, l := range m.loans {
		if l.ChamaID == chamaID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memLedger) HasVoted(_ context.Context, loanID, voterID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.votes[loanID][voterID], nil
}

func (m *memLedger) RecordLoanVote(_ context.Context, vote domain.LoanVote) (*store.VoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[vote.LoanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	if loan.Status != domain.LoanVoting {
		return nil, store.ErrLoanStateConflict
	}
	if m.votes[vote.LoanID][vote.VoterID] {
		return nil, store.ErrAlreadyVoted
	}
	if m.votes[vote.LoanID] == nil {
		m.votes[vote.LoanID] = map[uuid.UUID]bool{}
	}
	m.votes[vote.LoanID][vote.VoterID] = true
	if vote.Approve {
		loan.ApprovalsReceived++
	} else {
		loan.RejectionsReceived++
	}
	approved := loan.QuorumReached()
	if approved {
		loan.Status = domain.LoanApproved
	}
	out := *loan
	return &store.VoteResult{Loan: &out, Approved: approved}, nil
}

func (m *memLedger) MarkLoanDisbursed(_ context.Context, loanID uuid.UUID, txRef string, disbursedAt time.Time) (*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	if loan.Status != domain.LoanApproved || !loan.QuorumReached() {
		return nil, store.ErrLoanStateConflict
	}
	if err := m.debitPool(loan.ChamaID, loan.Token, loan.Amount); err != nil {
		return nil, err
	}
	loan.Status = domain.LoanActive
	loan.DisburseTxRef = &txRef
	loan.DisbursedAt = &disbursedAt
	due := disbursedAt.AddDate(0, 0, loan.DurationDays)
	loan.DueAt = &due
	m.credit(loan.BorrowerID, loan.Token, loan.Amount)
	out := *loan
	return &out, nil
}

func (m *memLedger) ApplyLoanRepayment(_ context.Context, repayment domain.LoanRepayment) (*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[repayment.LoanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	if loan.Status != domain.LoanActive {
		return nil, store.ErrLoanStateConflict
	}
	if repayment.Amount.GreaterThan(loan.Outstanding) {
		return nil, store.ErrExceedsOutstanding
	}
	remaining := money.Sub(loan.Outstanding, repayment.Amount)
	settled := money.IsSettled(remaining)
	if settled {
		remaining = decimal.Zero
		loan.Status = domain.LoanRepaid
		now := time.Now()
		loan.RepaidAt = &now
	}
	loan.Outstanding = remaining
	m.repaid = append(m.repaid, repayment)
	m.adjustPool(loan.ChamaID, loan.Token, repayment.Amount)
	if settled && loan.Collateral.IsPositive() {
		m.credit(loan.BorrowerID, loan.Token, loan.Collateral)
	}
	out := *loan
	return &out, nil
}

func (m *memLedger) RejectStaleVotingLoans(_ context.Context, createdBefore time.Time, limit int) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Loan
	for _, l := range m.loans {
		if len(out) >= limit {
			break
		}
		if l.Status == domain.LoanVoting && l.CreatedAt.Before(createdBefore) {
			l.Status = domain.LoanRejected
			if l.Collateral.IsPositive() {
				m.credit(l.BorrowerID, l.Token, l.Collateral)
			}
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memLedger) CreateMobileMoneyTransaction(_ context.Context, tx *domain.MobileMoneyTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateMobileMoneyTransaction"); err != nil {
		return err
	}
	if _, exists := m.orders[tx.OrderID]; exists {
		return store.ErrDuplicateOrder
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	tx.UpdatedAt = tx.CreatedAt
	stored := *tx
	m.orders[tx.OrderID] = &stored
	return nil
}

func (m *memLedger) FindMobileMoneyTransactionByOrderID(_ context.Context, orderID string) (*domain.MobileMoneyTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("FindMobileMoneyTransactionByOrderID"); err != nil {
		return nil, err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	out := *order
	return &out, nil
}

func (m *memLedger) SettleMobileMoneyTransaction(_ context.Context, params store.SettleParams) (*domain.MobileMoneyTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[params.OrderID]
	if !ok {
		return nil, false, store.ErrOrderNotFound
	}
	if order.Status != domain.MobileMoneyPending {
		out := *order
		return &out, false, nil
	}
	now := time.Now()
	order.Status = params.Status
	order.UpdatedAt = now
	if params.ProviderReference != "" {
		ref := params.ProviderReference
		order.ProviderReference = &ref
	}
	if params.FailureReason != "" {
		reason := params.FailureReason
		order.FailureReason = &reason
	}
	if params.Status == domain.MobileMoneyCompleted {
		order.CompletedAt = &now
	}
	if params.CreditBack {
		m.credit(order.UserID, order.Token, order.AmountCrypto)
	}
	out := *order
	return &out, true, nil
}

func (m *memLedger) ListStalePendingMobileMoneyTransactions(_ context.Context, createdBefore time.Time, limit int) ([]domain.MobileMoneyTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MobileMoneyTransaction
	for _, o := range m.orders {
		if len(out) >= limit {
			break
		}
		if o.Status == domain.MobileMoneyPending && o.CreatedAt.Before(createdBefore) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memLedger) GetPinCredential(_ context.Context, userID uuid.UUID) (*domain.PinCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.pins[userID]
	if !ok {
		return nil, store.ErrPinNotSet
	}
	out := *cred
	return &out, nil
}

func (m *memLedger) UpsertPinHash(_ context.Context, userID uuid.UUID, pinHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[userID] = &domain.PinCredential{UserID: userID, PinHash: pinHash, UpdatedAt: time.Now()}
	return nil
}

func (m *memLedger) RecordFailedPinAttempt(_ context.Context, userID uuid.UUID, maxAttempts int, lockoutSeconds int) (*domain.PinCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.pins[userID]
	if !ok {
		return nil, store.ErrPinNotSet
	}
	now := time.Now()
	expired := cred.LockedUntil != nil && !cred.LockedUntil.After(now)
	if expired || (cred.LockedUntil == nil && cred.FailedAttempts >= maxAttempts) {
		cred.FailedAttempts = 1
	} else {
		cred.FailedAttempts++
	}
	cred.LockedUntil = nil
	if cred.FailedAttempts >= maxAttempts {
		until := now.Add(time.Duration(lockoutSeconds) * time.Second)
		cred.LockedUntil = &until
	}
	out := *cred
	return &out, nil
}

func (m *memLedger) ResetPinFailures(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred, ok := m.pins[userID]; ok {
		cred.FailedAttempts = 0
		cred.LockedUntil = nil
	}
	return nil
}

// fakeGateway confirms every call unless an error is queued for the operation.
type fakeGateway struct {
	mu     sync.Mutex
	seq    int
	calls  map[string]int
	errs   map[string]error
	delays map[string]time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}, errs: map[string]error{}, delays: map[string]time.Duration{}}
}

func (g *fakeGateway) failWith(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[op] = err
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) receipt(op string) (*chaingateway.Receipt, error) {
	g.mu.Lock()
	g.calls[op]++
	err := g.errs[op]
	delay := g.delays[op]
	g.seq++
	seq := g.seq
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &chaingateway.Receipt{
		Success:     true,
		TxReference: fmt.Sprintf("0x%s-%d", op, seq),
		OnChainID:   fmt.Sprint(seq),
	}, nil
}

func (g *fakeGateway) CreateChama(_ context.Context, _ chaingateway.CreateChamaRequest) (*chaingateway.Receipt, error) {
	r, err := g.receipt("create")
	if err != nil {
		return nil, err
	}
	r.ContractAddress = "0xchama" + r.OnChainID
	return r, nil
}

func (g *fakeGateway) JoinChama(_ context.Context, _ string, _ chaingateway.MemberRequest) (*chaingateway.Receipt, error) {
	return g.receipt("join")
}

func (g *fakeGateway) Contribute(_ context.Context, _ string, _ chaingateway.TransferRequest) (*chaingateway.Receipt, error) {
	return g.receipt("contribute")
}

func (g *fakeGateway) Withdraw(_ context.Context, _ string, _ chaingateway.TransferRequest) (*chaingateway.Receipt, error) {
	return g.receipt("withdraw")
}

func (g *fakeGateway) RequestLoan(_ context.Context, _ string, _ chaingateway.LoanRequest) (*chaingateway.Receipt, error) {
	return g.receipt("request_loan")
}

func (g *fakeGateway) Vote(_ context.Context, _, _ string, _ chaingateway.VoteRequest) (*chaingateway.Receipt, error) {
	return g.receipt("vote")
}

func (g *fakeGateway) Disburse(_ context.Context, _, _ string, _ chaingateway.MemberRequest) (*chaingateway.Receipt, error) {
	return g.receipt("disburse")
}

func (g *fakeGateway) Repay(_ context.Context, _, _ string, _ chaingateway.TransferRequest) (*chaingateway.Receipt, error) {
	return g.receipt("repay")
}

// fakeProvider quotes fixed rates and accepts orders unless told otherwise.
type fakeProvider struct {
	mu          sync.Mutex
	rates       map[string]decimal.Decimal
	depositErr  error
	withdrawErr error
	statuses    map[string]*zenoclient.OrderStatusResponse
	statusErr   map[string]error
	orders      []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		rates: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(2500),
			"ETH":  decimal.NewFromInt(8000000),
		},
		statuses:  map[string]*zenoclient.OrderStatusResponse{},
		statusErr: map[string]error{},
	}
}

func (p *fakeProvider) GetExchangeRate(_ context.Context, token string) (*zenoclient.RateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rate, ok := p.rates[token]
	if !ok {
		return nil, errors.New("no rate")
	}
	return &zenoclient.RateResponse{From: token, To: zenoclient.FiatCurrency, Rate: rate}, nil
}

func (p *fakeProvider) CreateDepositOrder(_ context.Context, orderID, _ string, _ decimal.Decimal, _ string) (*zenoclient.OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.depositErr != nil {
		return nil, p.depositErr
	}
	p.orders = append(p.orders, orderID)
	return &zenoclient.OrderResponse{OrderID: orderID, Status: "PENDING", Reference: "ZP-" + orderID}, nil
}

func (p *fakeProvider) CreateWithdrawalOrder(_ context.Context, orderID, _ string, _ decimal.Decimal, _ string) (*zenoclient.OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.withdrawErr != nil {
		return nil, p.withdrawErr
	}
	p.orders = append(p.orders, orderID)
	return &zenoclient.OrderResponse{OrderID: orderID, Status: "PENDING", Reference: "ZP-" + orderID}, nil
}

func (p *fakeProvider) OrderStatus(_ context.Context, orderID string) (*zenoclient.OrderStatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.statusErr[orderID]; err != nil {
		return nil, err
	}
	if s, ok := p.statuses[orderID]; ok {
		return s, nil
	}
	return &zenoclient.OrderStatusResponse{OrderID: orderID, Status: "PENDING", PaymentStatus: "PENDING"}, nil
}

type sentNotification struct {
	UserID uuid.UUID
	Text   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID uuid.UUID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Text: text})
}

func (n *recordingNotifier) countFor(userID uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.sent {
		if s.UserID == userID {
			count++
		}
	}
	return count
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, event domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) count(action domain.AuditAction) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, e := range a.events {
		if e.Action == action {
			count++
		}
	}
	return count
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	svc      *Service
	ledger   *memLedger
	gateway  *fakeGateway
	provider *fakeProvider
	notifier *recordingNotifier
	audit    *recordingAudit
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	e := &testEngine{
		ledger:   newMemLedger(),
		gateway:  newFakeGateway(),
		provider: newFakeProvider(),
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
	}
	e.svc = NewService(Dependencies{
		Repo:     e.ledger,
		Balances: e.ledger,
		Gateway:  e.gateway,
		Provider: e.provider,
		Notifier: e.notifier,
		Audit:    e.audit,
		Logger:   discardLogger(),
	}, LoanPolicy{QuorumRatio: 0.51, CollateralRatio: 1.5, MaxDurationDays: 365}, PinPolicy{MaxAttempts: 3, Lockout: 5 * time.Minute})
	return e
}

func (e *testEngine) fund(userID uuid.UUID, token domain.Token, amount string) {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	e.ledger.credit(userID, token, decimal.RequireFromString(amount))
}

// newChama creates a chama whose admin plus extra members are all active.
func (e *testEngine) newChama(t *testing.T, extraMembers int) (*domain.Chama, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	admin := e.ledger.addUser("+255700000001")
	chama, err := e.svc.CreateChama(ctx, admin, "Wanawake Group", "")
	if err != nil {
		t.Fatalf("create chama: %v", err)
	}
	members := []uuid.UUID{admin}
	for i := 0; i < extraMembers; i++ {
		id := e.ledger.addUser(fmt.Sprintf("+25571000%04d", i))
		if _, err := e.svc.JoinChama(ctx, id, chama.InviteCode); err != nil {
			t.Fatalf("join chama: %v", err)
		}
		members = append(members, id)
	}
	return chama, members
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
