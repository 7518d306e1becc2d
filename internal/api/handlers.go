/**
 * @description
 * This file contains the HTTP handlers for the chama API. Handlers parse the request,
 * call the chama engine and render its result. Business rules stay in internal/app;
 * this layer only maps error kinds onto HTTP status codes.
 *
 * @notes
 * - Every route that moves money requires the caller's transaction PIN in the body.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chamalink/chama-service/internal/app"
	"github.com/chamalink/chama-service/internal/conversation"
	"github.com/chamalink/chama-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChamaEngine is the part of app.Service the handlers call.
type ChamaEngine interface {
	CreateChama(ctx context.Context, creatorID uuid.UUID, name, description string) (*domain.Chama, error)
	JoinChama(ctx context.Context, userID uuid.UUID, inviteCode string) (*domain.Membership, error)
	ListMyChamas(ctx context.Context, userID uuid.UUID) ([]domain.Chama, error)
	GetChamaDetails(ctx context.Context, userID, chamaID uuid.UUID) (*app.ChamaDetails, error)
	ListChamaLoans(ctx context.Context, userID, chamaID uuid.UUID) ([]domain.Loan, error)
	Contribute(ctx context.Context, userID, chamaID uuid.UUID, token domain.Token, amount, usdValue decimal.Decimal) (*domain.Deposit, error)
	WithdrawFromChama(ctx context.Context, userID, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal) (*app.ShareWithdrawal, error)
	RequestLoan(ctx context.Context, borrowerID, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal, durationDays int) (*domain.Loan, error)
	VoteOnLoan(ctx context.Context, voterID, loanID uuid.UUID, approve bool) (*domain.Loan, error)
	DisburseLoan(ctx context.Context, borrowerID, loanID uuid.UUID) (*domain.Loan, error)
	RepayLoan(ctx context.Context, borrowerID, loanID uuid.UUID, amount decimal.Decimal) (*app.RepaymentResult, error)
	GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
	InitiateDeposit(ctx context.Context, userID uuid.UUID, phone string, token domain.Token, tzsAmount decimal.Decimal) (*domain.MobileMoneyTransaction, error)
	InitiateWithdrawal(ctx context.Context, userID uuid.UUID, phone string, token domain.Token, amount decimal.Decimal) (*domain.MobileMoneyTransaction, error)
	SetPin(ctx context.Context, userID uuid.UUID, pin, currentPin string) error
	VerifyPin(ctx context.Context, userID uuid.UUID, pin string) error
}

// CallbackProcessor applies provider payment callbacks.
type CallbackProcessor interface {
	HandlePaymentCallback(ctx context.Context, cb domain.PaymentCallback) (bool, error)
}

// Conversations runs the guided chat flows.
type Conversations interface {
	Start(ctx context.Context, userID uuid.UUID, flowName string) (conversation.Reply, error)
	Handle(ctx context.Context, userID uuid.UUID, input string) (conversation.Reply, error)
}

// Handlers holds the collaborators the HTTP handlers use.
type Handlers struct {
	engine        ChamaEngine
	callbacks     CallbackProcessor
	conversations Conversations
	logger        *slog.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(engine ChamaEngine, callbacks CallbackProcessor, conversations Conversations, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine:        engine,
		callbacks:     callbacks,
		conversations: conversations,
		logger:        logger.With("component", "api"),
	}
}

type createChamaRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type joinChamaRequest struct {
	InviteCode string `json:"invite_code"`
}

type contributeRequest struct {
	Token    string          `json:"token"`
	Amount   decimal.Decimal `json:"amount"`
	USDValue decimal.Decimal `json:"usd_value"`
	Pin      string          `json:"pin"`
}

type withdrawRequest struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Pin    string          `json:"pin"`
}

type loanRequest struct {
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	DurationDays int             `json:"duration_days"`
	Pin          string          `json:"pin"`
}

type voteRequest struct {
	Approve bool `json:"approve"`
}

type pinOnlyRequest struct {
	Pin string `json:"pin"`
}

type repayRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Pin    string          `json:"pin"`
}

type mobileMoneyRequest struct {
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
	Pin         string          `json:"pin"`
}

type setPinRequest struct {
	Pin        string `json:"pin"`
	CurrentPin string `json:"current_pin"`
}

type startConversationRequest struct {
	Flow string `json:"flow"`
}

type conversationInputRequest struct {
	Text string `json:"text"`
}

type conversationResponse struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type webhookResponse struct {
	Success   bool `json:"success"`
	Processed bool `json:"processed"`
}

// CreateChamaHandler handles POST /v1/chamas.
func (h *Handlers) CreateChamaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req createChamaRequest
	if !h.decode(w, r, &req) {
		return
	}
	chama, err := h.engine.CreateChama(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		h.writeAppError(w, "create_chama", userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, chama)
}

// JoinChamaHandler handles POST /v1/chamas/join.
func (h *Handlers) JoinChamaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req joinChamaRequest
	if !h.decode(w, r, &req) {
		return
	}
	membership, err := h.engine.JoinChama(r.Context(), userID, req.InviteCode)
	if err != nil {
		h.writeAppError(w, "join_chama", userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}

// ListChamasHandler handles GET /v1/chamas.
func (h *Handlers) ListChamasHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chamas, err := h.engine.ListMyChamas(r.Context(), userID)
	if err != nil {
		h.writeAppError(w, "list_chamas", userID, err)
		return
	}
	if chamas == nil {
		chamas = []domain.Chama{}
	}
	writeJSON(w, http.StatusOK, chamas)
}

// ChamaDetailsHandler handles GET /v1/chamas/{chamaID}.
func (h *Handlers) ChamaDetailsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chamaID, ok := pathUUID(w, r, "chamaID")
	if !ok {
		return
	}
	details, err := h.engine.GetChamaDetails(r.Context(), userID, chamaID)
	if err != nil {
		h.writeAppError(w, "chama_details", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// ChamaLoansHandler handles GET /v1/chamas/{chamaID}/loans.
func (h *Handlers) ChamaLoansHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chamaID, ok := pathUUID(w, r, "chamaID")
	if !ok {
		return
	}
	loans, err := h.engine.ListChamaLoans(r.Context(), userID, chamaID)
	if err != nil {
		h.writeAppError(w, "list_chama_loans", userID, err)
		return
	}
	if loans == nil {
		loans = []domain.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// ContributeHandler handles POST /v1/chamas/{chamaID}/contributions.
func (h *Handlers) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chamaID, ok := pathUUID(w, r, "chamaID")
	if !ok {
		return
	}
	var req contributeRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	deposit, err := h.engine.Contribute(r.Context(), userID, chamaID, domain.Token(req.Token), req.Amount, req.USDValue)
	if err != nil {
		h.writeAppError(w, "contribute", userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, deposit)
}

// WithdrawHandler handles POST /v1/chamas/{chamaID}/withdrawals.
func (h *Handlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chamaID, ok := pathUUID(w, r, "chamaID")
	if !ok {
		return
	}
	var req withdrawRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	result, err := h.engine.WithdrawFromChama(r.Context(), userID, chamaID, domain.Token(req.Token), req.Amount)
	if err != nil {
		h.writeAppError(w, "withdraw_share", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RequestLoanHandler handles POST /v1/chamas/{chamaID}/loans.
func (h *Handlers) RequestLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chamaID, ok := pathUUID(w, r, "chamaID")
	if !ok {
		return
	}
	var req loanRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	loan, err := h.engine.RequestLoan(r.Context(), userID, chamaID, domain.Token(req.Token), req.Amount, req.DurationDays)
	if err != nil {
		h.writeAppError(w, "request_loan", userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// VoteHandler handles POST /v1/loans/{loanID}/votes.
func (h *Handlers) VoteHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	var req voteRequest
	if !h.decode(w, r, &req) {
		return
	}
	loan, err := h.engine.VoteOnLoan(r.Context(), userID, loanID, req.Approve)
	if err != nil {
		h.writeAppError(w, "vote_loan", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// DisburseHandler handles POST /v1/loans/{loanID}/disburse.
func (h *Handlers) DisburseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	var req pinOnlyRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	loan, err := h.engine.DisburseLoan(r.Context(), userID, loanID)
	if err != nil {
		h.writeAppError(w, "disburse_loan", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// RepayHandler handles POST /v1/loans/{loanID}/repayments.
func (h *Handlers) RepayHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	var req repayRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	result, err := h.engine.RepayLoan(r.Context(), userID, loanID, req.Amount)
	if err != nil {
		h.writeAppError(w, "repay_loan", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BalancesHandler handles GET /v1/balances.
func (h *Handlers) BalancesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	balances, err := h.engine.GetBalances(r.Context(), userID)
	if err != nil {
		h.writeAppError(w, "balances", userID, err)
		return
	}
	if balances == nil {
		balances = []domain.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// MobileMoneyDepositHandler handles POST /v1/mobile-money/deposits. Amount is in TZS.
func (h *Handlers) MobileMoneyDepositHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req mobileMoneyRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	order, err := h.engine.InitiateDeposit(r.Context(), userID, req.PhoneNumber, domain.Token(req.Token), req.Amount)
	if err != nil {
		h.writeAppError(w, "mobile_money_deposit", userID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, order)
}

// MobileMoneyWithdrawalHandler handles POST /v1/mobile-money/withdrawals. Amount is in
// the token.
func (h *Handlers) MobileMoneyWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req mobileMoneyRequest
	if !h.decode(w, r, &req) || !h.authorizePin(w, r, userID, req.Pin) {
		return
	}
	order, err := h.engine.InitiateWithdrawal(r.Context(), userID, req.PhoneNumber, domain.Token(req.Token), req.Amount)
	if err != nil {
		h.writeAppError(w, "mobile_money_withdrawal", userID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, order)
}

// SetPinHandler handles POST /v1/pin.
func (h *Handlers) SetPinHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req setPinRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.SetPin(r.Context(), userID, req.Pin, req.CurrentPin); err != nil {
		h.writeAppError(w, "set_pin", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "PIN saved"})
}

// StartConversationHandler handles POST /v1/conversations/start.
func (h *Handlers) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if h.conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "Conversations are unavailable")
		return
	}
	var req startConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	reply, err := h.conversations.Start(r.Context(), userID, req.Flow)
	if err != nil {
		h.writeConversationError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Text: reply.Text, Done: reply.Done})
}

// ConversationInputHandler handles POST /v1/conversations/input.
func (h *Handlers) ConversationInputHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if h.conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "Conversations are unavailable")
		return
	}
	var req conversationInputRequest
	if !h.decode(w, r, &req) {
		return
	}
	reply, err := h.conversations.Handle(r.Context(), userID, req.Text)
	if err != nil {
		h.writeConversationError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Text: reply.Text, Done: reply.Done})
}

// PaymentWebhookHandler handles provider callbacks for mobile-money orders. Storage
// failures answer 500 so the provider retries; everything else is acknowledged.
func (h *Handlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var cb domain.PaymentCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		h.logger.Warn("rejecting malformed payment webhook", "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{})
		return
	}
	if strings.TrimSpace(cb.OrderID) == "" {
		writeJSON(w, http.StatusBadRequest, webhookResponse{})
		return
	}

	processed, err := h.callbacks.HandlePaymentCallback(r.Context(), cb)
	if err != nil {
		if errors.Is(err, app.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, webhookResponse{})
			return
		}
		h.logger.Error("payment webhook processing failed", "order_id", cb.OrderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Processed: processed})
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
	}
	return userID, ok
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handlers) authorizePin(w http.ResponseWriter, r *http.Request, userID uuid.UUID, pin string) bool {
	if strings.TrimSpace(pin) == "" {
		writeError(w, http.StatusBadRequest, "Transaction PIN is required")
		return false
	}
	if err := h.engine.VerifyPin(r.Context(), userID, pin); err != nil {
		h.writeAppError(w, "verify_pin", userID, err)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrPinLocked):
		return http.StatusLocked
	case errors.Is(err, app.ErrPinNotSet):
		return http.StatusPreconditionFailed
	case errors.Is(err, app.ErrPinIncorrect):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, app.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeAppError(w http.ResponseWriter, endpoint string, userID uuid.UUID, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "endpoint", endpoint, "user_id", userID, "error", err)
	} else {
		h.logger.Info("request rejected", "endpoint", endpoint, "user_id", userID, "status", status, "error", err)
	}
	writeError(w, status, app.UserMessage(err))
}

func (h *Handlers) writeConversationError(w http.ResponseWriter, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, conversation.ErrNoSession):
		writeError(w, http.StatusNotFound, "No active conversation. Start one first.")
	case errors.Is(err, conversation.ErrUnknownFlow):
		writeError(w, http.StatusBadRequest, "Unknown conversation flow")
	default:
		h.logger.Error("conversation storage failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
