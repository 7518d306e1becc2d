package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func startFlow(t *testing.T, flow Flow) *Session {
	t.Helper()
	s, reply, err := Start(uuid.New(), flow, time.Now())
	if err != nil {
		t.Fatalf("start %s: %v", flow, err)
	}
	if reply.Text == "" || reply.Done {
		t.Fatalf("expected an opening prompt, got %+v", reply)
	}
	return s
}

func feed(t *testing.T, s *Session, inputs ...string) Reply {
	t.Helper()
	var reply Reply
	for i, in := range inputs {
		reply = Advance(s, in, time.Now())
		if reply.Done && i != len(inputs)-1 {
			t.Fatalf("flow ended early at input %d (%q): %s", i, in, reply.Text)
		}
	}
	return reply
}

func TestParseFlow(t *testing.T) {
	if flow, ok := ParseFlow(" Loan_Request "); !ok || flow != FlowLoanRequest {
		t.Fatalf("expected loan_request, got %q/%t", flow, ok)
	}
	if _, ok := ParseFlow("send_money"); ok {
		t.Fatal("unknown flows must be rejected")
	}
	if _, _, err := Start(uuid.New(), "nope", time.Now()); err == nil {
		t.Fatal("expected Start to reject an unknown flow")
	}
}

func TestPinSetupFlow(t *testing.T) {
	s := startFlow(t, FlowPinSetup)

	reply := feed(t, s, "12")
	if reply.Done || s.Step != StepAskPin || !strings.Contains(reply.Text, "Invalid") {
		t.Fatalf("expected a re-prompt for a bad pin, got %+v at %s", reply, s.Step)
	}

	feed(t, s, "4821")
	if s.Step != StepConfirmPin {
		t.Fatalf("expected confirm step, got %s", s.Step)
	}
	if strings.Contains(s.Data[keyPinHash], "4821") || s.Data[keyPinHash] == "" {
		t.Fatal("the session must hold a digest, not the pin")
	}

	reply = feed(t, s, "4822")
	if reply.Done || s.Step != StepAskPin || s.Data[keyPinHash] != "" {
		t.Fatalf("a mismatch must restart the flow, got %+v at %s", reply, s.Step)
	}

	reply = feed(t, s, "4821", "4821")
	if !reply.Done || reply.Command == nil || reply.Command.Kind != CommandSetPin || reply.Command.Pin != "4821" {
		t.Fatalf("expected set_pin command, got %+v", reply)
	}
}

func TestContributionFlow(t *testing.T) {
	s := startFlow(t, FlowContribution)
	chamaID := uuid.New()

	reply := feed(t, s, "not-a-uuid")
	if reply.Done || s.Step != StepSelectChama {
		t.Fatalf("invalid id must re-prompt, got %+v", reply)
	}

	reply = feed(t, s, chamaID.String(), "btc")
	if reply.Done || s.Step != StepAskToken {
		t.Fatalf("unsupported token must re-prompt, got %+v at %s", reply, s.Step)
	}

	reply = feed(t, s, "usdt", "-3")
	if s.Step != StepAskAmount || !strings.Contains(reply.Text, "positive") {
		t.Fatalf("negative amount must re-prompt, got %+v at %s", reply, s.Step)
	}

	reply = feed(t, s, "12.3456789", "12.35", "12")
	if reply.Done || s.Step != StepVerifyPin {
		t.Fatalf("bad pin must re-prompt, got %+v at %s", reply, s.Step)
	}

	reply = feed(t, s, "4821")
	if !reply.Done || reply.Command == nil {
		t.Fatalf("expected a command, got %+v", reply)
	}
	cmd := reply.Command
	if cmd.Kind != CommandContribute || cmd.ChamaID != chamaID || cmd.Token != domain.TokenUSDT || cmd.Pin != "4821" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if !cmd.Amount.Equal(decimal.RequireFromString("12.34568")) || !cmd.USDValue.Equal(decimal.RequireFromString("12.35")) {
		t.Fatalf("unexpected amounts %s/%s", cmd.Amount, cmd.USDValue)
	}
}

func TestLoanRequestFlow(t *testing.T) {
	s := startFlow(t, FlowLoanRequest)
	chamaID := uuid.New()

	reply := feed(t, s, chamaID.String(), "ETH", "0.5", "0")
	if reply.Done || s.Step != StepAskDuration {
		t.Fatalf("zero duration must re-prompt, got %+v at %s", reply, s.Step)
	}
	reply = feed(t, s, "30", "123456")
	if !reply.Done || reply.Command == nil {
		t.Fatalf("expected a command, got %+v", reply)
	}
	cmd := reply.Command
	if cmd.Kind != CommandRequestLoan || cmd.DurationDays != 30 || cmd.Token != domain.TokenETH || !cmd.Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected command %+v", cmd)
	}
}

func TestLoanRepayFlow(t *testing.T) {
	s := startFlow(t, FlowLoanRepay)
	loanID := uuid.New()

	reply := feed(t, s, loanID.String(), "1,000.5", "0000")
	if !reply.Done || reply.Command == nil {
		t.Fatalf("expected a command, got %+v", reply)
	}
	if reply.Command.LoanID != loanID || !reply.Command.Amount.Equal(decimal.RequireFromString("1000.5")) {
		t.Fatalf("unexpected command %+v", reply.Command)
	}
}

func TestAdvanceIsTotal(t *testing.T) {
	flows := []Flow{FlowPinSetup, FlowContribution, FlowLoanRequest, FlowLoanRepay, "bogus"}
	steps := []Step{StepAskPin, StepConfirmPin, StepSelectChama, StepSelectLoan, StepAskToken, StepAskAmount, StepAskUSDValue, StepAskDuration, StepVerifyPin, "bogus"}
	inputs := []string{"", "1234", uuid.NewString(), "USDT", "abc", "10"}

	for _, flow := range flows {
		for _, step := range steps {
			for _, in := range inputs {
				s := &Session{UserID: uuid.New(), Flow: flow, Step: step}
				reply := Advance(s, in, time.Now())
				if reply.Text == "" {
					t.Fatalf("%s/%s/%q produced an empty reply", flow, step, in)
				}
				if reply.Command != nil && !reply.Done {
					t.Fatalf("%s/%s/%q produced a command without finishing", flow, step, in)
				}
			}
		}
	}
}

func TestCancelEndsAnyFlow(t *testing.T) {
	for _, flow := range []Flow{FlowPinSetup, FlowContribution, FlowLoanRequest, FlowLoanRepay} {
		s := startFlow(t, flow)
		reply := Advance(s, " CANCEL ", time.Now())
		if !reply.Done || reply.Command != nil {
			t.Fatalf("%s: expected cancellation, got %+v", flow, reply)
		}
	}
}
