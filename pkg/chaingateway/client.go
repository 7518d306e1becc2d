/**
 * @description
 * This package provides a client for the chain gateway, the relay service that signs
 * and submits chama contract transactions on behalf of users. Each call maps to one
 * contract operation and returns a receipt with the transaction reference.
 *
 * @notes
 * - A receipt with success=false is returned as *RejectedError. Transport failures and
 *   timeouts are returned as plain errors; the caller treats both as a failed call.
 */
package chaingateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CodeInviteCodeTaken is the rejection code for a chama whose invite code is already deployed.
const CodeInviteCodeTaken = "INVITE_CODE_TAKEN"

// ErrInviteCodeTaken is matched with errors.Is against a rejected CreateChama.
var ErrInviteCodeTaken = errors.New("invite code already used on-chain")

// Receipt is the relay's answer to a submitted transaction.
type Receipt struct {
	Success         bool   `json:"success"`
	TxReference     string `json:"tx_hash"`
	OnChainID       string `json:"on_chain_id,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	Error           string `json:"error,omitempty"`
	Code            string `json:"code,omitempty"`
}

// RejectedError is a submission the relay or the contract refused.
type RejectedError struct {
	Operation string
	Code      string
	Message   string
}

func (e *RejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "transaction rejected"
	}
	if e.Code != "" {
		return fmt.Sprintf("chain gateway %s rejected (%s): %s", e.Operation, e.Code, msg)
	}
	return fmt.Sprintf("chain gateway %s rejected: %s", e.Operation, msg)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrInviteCodeTaken && e.Code == CodeInviteCodeTaken
}

// Client is a client for the chain gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new chain gateway client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type CreateChamaRequest struct {
	InviteCode  string    `json:"invite_code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatorID   uuid.UUID `json:"creator_id"`
}

type MemberRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

type TransferRequest struct {
	UserID uuid.UUID       `json:"user_id"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

type LoanRequest struct {
	BorrowerID   uuid.UUID       `json:"borrower_id"`
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	Collateral   decimal.Decimal `json:"collateral"`
	DurationDays int             `json:"duration_days"`
}

type VoteRequest struct {
	VoterID uuid.UUID `json:"voter_id"`
	Approve bool      `json:"approve"`
}

// CreateChama deploys a chama contract. The receipt carries the contract address.
func (c *Client) CreateChama(ctx context.Context, req CreateChamaRequest) (*Receipt, error) {
	receipt, err := c.submit(ctx, "create_chama", "/v1/chamas", req)
	if err != nil {
		return nil, err
	}
	if receipt.ContractAddress == "" {
		return nil, &RejectedError{Operation: "create_chama", Message: "no contract address in receipt"}
	}
	return receipt, nil
}

// JoinChama registers a member on the chama contract.
func (c *Client) JoinChama(ctx context.Context, contractAddress string, req MemberRequest) (*Receipt, error) {
	return c.submit(ctx, "join", chamaPath(contractAddress, "members"), req)
}

// Contribute moves tokens from the member's wallet into the chama pool.
func (c *Client) Contribute(ctx context.Context, contractAddress string, req TransferRequest) (*Receipt, error) {
	return c.submit(ctx, "contribute", chamaPath(contractAddress, "contributions"), req)
}

// Withdraw moves tokens from the member's pool share back to their wallet.
func (c *Client) Withdraw(ctx context.Context, contractAddress string, req TransferRequest) (*Receipt, error) {
	return c.submit(ctx, "withdraw", chamaPath(contractAddress, "withdrawals"), req)
}

// RequestLoan opens a loan proposal. The receipt carries the on-chain loan id.
func (c *Client) RequestLoan(ctx context.Context, contractAddress string, req LoanRequest) (*Receipt, error) {
	return c.submit(ctx, "request_loan", chamaPath(contractAddress, "loans"), req)
}

// Vote records a member's vote on a loan proposal.
func (c *Client) Vote(ctx context.Context, contractAddress, onChainLoanID string, req VoteRequest) (*Receipt, error) {
	return c.submit(ctx, "vote", chamaPath(contractAddress, "loans", onChainLoanID, "votes"), req)
}

// Disburse pays an approved loan out to the borrower.
func (c *Client) Disburse(ctx context.Context, contractAddress, onChainLoanID string, req MemberRequest) (*Receipt, error) {
	return c.submit(ctx, "disburse", chamaPath(contractAddress, "loans", onChainLoanID, "disburse"), req)
}

// Repay returns part or all of an active loan to the pool.
func (c *Client) Repay(ctx context.Context, contractAddress, onChainLoanID string, req TransferRequest) (*Receipt, error) {
	return c.submit(ctx, "repay", chamaPath(contractAddress, "loans", onChainLoanID, "repayments"), req)
}

func chamaPath(contractAddress string, segments ...string) string {
	parts := []string{"/v1/chamas", url.PathEscape(contractAddress)}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

func (c *Client) submit(ctx context.Context, operation, path string, payload interface{}) (*Receipt, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("chain gateway base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request to chain gateway: %w", operation, err)
	}
	defer resp.Body.Close()

	var receipt Receipt
	decodeErr := json.NewDecoder(resp.Body).Decode(&receipt)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("chain gateway %s returned status %d", operation, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusConflict && receipt.Code == "" && operation == "create_chama" {
			receipt.Code = CodeInviteCodeTaken
		}
		return nil, &RejectedError{Operation: operation, Code: receipt.Code, Message: receipt.Error}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s receipt: %w", operation, decodeErr)
	}
	if !receipt.Success {
		return nil, &RejectedError{Operation: operation, Code: receipt.Code, Message: receipt.Error}
	}
	return &receipt, nil
}
