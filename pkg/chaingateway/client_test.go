package chaingateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestCreateChamaReturnsContractAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chamas" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "relay-key" {
			t.Errorf("missing api key header")
		}
		var req CreateChamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.InviteCode != "ABCD2345" {
			t.Errorf("unexpected invite code %q", req.InviteCode)
		}
		_, _ = w.Write([]byte(`{"success":true,"tx_hash":"0xabc","contract_address":"0xchama"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "relay-key")
	receipt, err := c.CreateChama(context.Background(), CreateChamaRequest{InviteCode: "ABCD2345", Name: "Wazazi", CreatorID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.ContractAddress != "0xchama" || receipt.TxReference != "0xabc" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestCreateChamaConflictMapsToInviteCodeTaken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"error":"code exists"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.CreateChama(context.Background(), CreateChamaRequest{InviteCode: "ABCD2345"})
	if !errors.Is(err, ErrInviteCodeTaken) {
		t.Fatalf("expected ErrInviteCodeTaken, got %v", err)
	}
}

func TestUnsuccessfulReceiptIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chamas/0xchama/contributions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"success":false,"error":"execution reverted","code":"REVERTED"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Contribute(context.Background(), "0xchama", TransferRequest{UserID: uuid.New(), Token: "ETH", Amount: decimal.NewFromInt(1)})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.Code != "REVERTED" || errors.Is(err, ErrInviteCodeTaken) {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
}

func TestServerErrorIsPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Disburse(context.Background(), "0xchama", "7", MemberRequest{UserID: uuid.New()})
	if err == nil {
		t.Fatal("expected error")
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		t.Fatalf("5xx must not be reported as a contract rejection: %v", err)
	}
}

func TestLoanPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"tx_hash":"0x1","on_chain_id":"3"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()
	if _, err := c.RequestLoan(ctx, "0xc", LoanRequest{BorrowerID: uuid.New(), Token: "ETH", Amount: decimal.NewFromInt(1), DurationDays: 30}); err != nil {
		t.Fatalf("request loan: %v", err)
	}
	if _, err := c.Vote(ctx, "0xc", "3", VoteRequest{VoterID: uuid.New(), Approve: true}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := c.Repay(ctx, "0xc", "3", TransferRequest{UserID: uuid.New(), Token: "ETH", Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("repay: %v", err)
	}

	want := []string{"/v1/chamas/0xc/loans", "/v1/chamas/0xc/loans/3/votes", "/v1/chamas/0xc/loans/3/repayments"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected paths %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("path %d: expected %s, got %s", i, want[i], paths[i])
		}
	}
}
