/**
 * @description
 * This package drives the guided chat flows. Each flow is a fixed sequence of steps;
 * Advance consumes one message and either re-prompts, moves to the next step, or
 * finishes with a typed Command for the chama engine.
 *
 * @notes
 * - Advance is total: every (flow, step, input) combination produces a Reply.
 * - PINs are never stored in a session. The first entry of a new PIN is kept only as a
 *   SHA-256 digest so the confirmation can be compared.
 */
package conversation

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/chamalink/chama-service/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Flow names a guided conversation.
type Flow string

const (
	FlowPinSetup     Flow = "pin_setup"
	FlowContribution Flow = "contribution"
	FlowLoanRequest  Flow = "loan_request"
	FlowLoanRepay    Flow = "loan_repay"
)

// Step is a position within a flow.
type Step string

const (
	StepAskPin      Step = "ask_pin"
	StepConfirmPin  Step = "confirm_pin"
	StepSelectChama Step = "select_chama"
	StepSelectLoan  Step = "select_loan"
	StepAskToken    Step = "ask_token"
	StepAskAmount   Step = "ask_amount"
	StepAskUSDValue Step = "ask_usd_value"
	StepAskDuration Step = "ask_duration"
	StepVerifyPin   Step = "verify_pin"
)

const (
	cancelKeyword     = "cancel"
	maxLoanDuration   = 3650
	msgSessionInvalid = "This conversation is no longer valid. Please start again."
)

const (
	keyChamaID  = "chama_id"
	keyLoanID   = "loan_id"
	keyToken    = "token"
	keyAmount   = "amount"
	keyUSDValue = "usd_value"
	keyDuration = "duration_days"
	keyPinHash  = "pin_hash"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// Session is the persisted state of one user's active flow.
type Session struct {
	UserID    uuid.UUID         `json:"user_id"`
	Flow      Flow              `json:"flow"`
	Step      Step              `json:"step"`
	Data      map[string]string `json:"data"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CommandKind names the engine operation a finished flow requests.
type CommandKind string

const (
	CommandSetPin      CommandKind = "set_pin"
	CommandContribute  CommandKind = "contribute"
	CommandRequestLoan CommandKind = "request_loan"
	CommandRepayLoan   CommandKind = "repay_loan"
)

// Command is the typed result of a completed flow.
type Command struct {
	Kind         CommandKind
	ChamaID      uuid.UUID
	LoanID       uuid.UUID
	Token        domain.Token
	Amount       decimal.Decimal
	USDValue     decimal.Decimal
	DurationDays int
	Pin          string
}

// Reply is what the user sees after a message. Done ends the session; Command is set
// only when the flow completed successfully.
type Reply struct {
	Text    string
	Done    bool
	Command *Command
}

var firstSteps = map[Flow]Step{
	FlowPinSetup:     StepAskPin,
	FlowContribution: StepSelectChama,
	FlowLoanRequest:  StepSelectChama,
	FlowLoanRepay:    StepSelectLoan,
}

var prompts = map[Step]string{
	StepAskPin:      "Enter a new transaction PIN (4-6 digits):",
	StepConfirmPin:  "Confirm your PIN by entering it again:",
	StepSelectChama: "Enter the chama ID:",
	StepSelectLoan:  "Enter the loan ID:",
	StepAskToken:    "Which token? Reply ETH, USDT or TZS.",
	StepAskAmount:   "Enter the amount:",
	StepAskUSDValue: "Enter the USD value of this amount:",
	StepAskDuration: "Enter the loan duration in days:",
	StepVerifyPin:   "Enter your transaction PIN to confirm:",
}

// ParseFlow normalizes a flow name.
func ParseFlow(raw string) (Flow, bool) {
	flow := Flow(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := firstSteps[flow]
	return flow, ok
}

// Start opens a new session for flow.
func Start(userID uuid.UUID, flow Flow, now time.Time) (*Session, Reply, error) {
	step, ok := firstSteps[flow]
	if !ok {
		return nil, Reply{}, fmt.Errorf("unknown flow %q", flow)
	}
	session := &Session{UserID: userID, Flow: flow, Step: step, Data: map[string]string{}, UpdatedAt: now}
	return session, Reply{Text: prompts[step] + " (reply CANCEL to stop)"}, nil
}

// Advance applies one user message to the session and returns the reply. The session
// is updated in place unless the reply is Done.
func Advance(s *Session, input string, now time.Time) Reply {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, cancelKeyword) {
		return Reply{Text: "Cancelled.", Done: true}
	}
	if s.Data == nil {
		s.Data = map[string]string{}
	}
	s.UpdatedAt = now

	switch s.Flow {
	case FlowPinSetup:
		return advancePinSetup(s, input)
	case FlowContribution:
		return advanceSequence(s, input, []Step{StepSelectChama, StepAskToken, StepAskAmount, StepAskUSDValue, StepVerifyPin}, contributionCommand)
	case FlowLoanRequest:
		return advanceSequence(s, input, []Step{StepSelectChama, StepAskToken, StepAskAmount, StepAskDuration, StepVerifyPin}, loanRequestCommand)
	case FlowLoanRepay:
		return advanceSequence(s, input, []Step{StepSelectLoan, StepAskAmount, StepVerifyPin}, loanRepayCommand)
	default:
		return Reply{Text: msgSessionInvalid, Done: true}
	}
}

func advancePinSetup(s *Session, input string) Reply {
	switch s.Step {
	case StepAskPin:
		if !pinPattern.MatchString(input) {
			return Reply{Text: "Invalid PIN format. " + prompts[StepAskPin]}
		}
		s.Data[keyPinHash] = pinDigest(input)
		s.Step = StepConfirmPin
		return Reply{Text: prompts[StepConfirmPin]}
	case StepConfirmPin:
		want, err := hex.DecodeString(s.Data[keyPinHash])
		got := sha256.Sum256([]byte(input))
		if err != nil || subtle.ConstantTimeCompare(want, got[:]) != 1 {
			delete(s.Data, keyPinHash)
			s.Step = StepAskPin
			return Reply{Text: "PINs do not match. Let's start over. " + prompts[StepAskPin]}
		}
		return Reply{Text: "Saving your PIN...", Done: true, Command: &Command{Kind: CommandSetPin, Pin: input}}
	default:
		return Reply{Text: msgSessionInvalid, Done: true}
	}
}

// advanceSequence validates input for the current step, stores it, and moves to the
// next step. After the last step build turns the collected data into a Command.
func advanceSequence(s *Session, input string, steps []Step, build func(map[string]string, string) (*Command, error)) Reply {
	index := -1
	for i, step := range steps {
		if step == s.Step {
			index = i
			break
		}
	}
	if index < 0 {
		return Reply{Text: msgSessionInvalid, Done: true}
	}

	value, problem := validateStep(s.Step, input)
	if problem != "" {
		return Reply{Text: problem + " " + prompts[s.Step]}
	}

	if index == len(steps)-1 {
		cmd, err := build(s.Data, value)
		if err != nil {
			return Reply{Text: msgSessionInvalid, Done: true}
		}
		return Reply{Text: "Processing...", Done: true, Command: cmd}
	}

	s.Data[stepKey(s.Step)] = value
	s.Step = steps[index+1]
	return Reply{Text: prompts[s.Step]}
}

// validateStep returns the normalized value, or a non-empty problem description.
func validateStep(step Step, input string) (string, string) {
	switch step {
	case StepSelectChama, StepSelectLoan:
		id, err := uuid.Parse(input)
		if err != nil {
			return "", "That ID is not valid."
		}
		return id.String(), ""
	case StepAskToken:
		token, ok := domain.ParseToken(input)
		if !ok {
			return "", "Unsupported token."
		}
		return string(token), ""
	case StepAskAmount:
		amount, err := money.ParsePositive(input)
		if err != nil {
			return "", "Amount must be a positive number."
		}
		return amount.String(), ""
	case StepAskUSDValue:
		value, err := money.Parse(input)
		if err != nil || value.IsNegative() {
			return "", "USD value must be zero or more."
		}
		return value.String(), ""
	case StepAskDuration:
		days, err := strconv.Atoi(input)
		if err != nil || days < 1 || days > maxLoanDuration {
			return "", "Duration must be a whole number of days."
		}
		return strconv.Itoa(days), ""
	case StepVerifyPin:
		if !pinPattern.MatchString(input) {
			return "", "PIN must be 4 to 6 digits."
		}
		return input, ""
	default:
		return "", "Unexpected input."
	}
}

func stepKey(step Step) string {
	switch step {
	case StepSelectChama:
		return keyChamaID
	case StepSelectLoan:
		return keyLoanID
	case StepAskToken:
		return keyToken
	case StepAskAmount:
		return keyAmount
	case StepAskUSDValue:
		return keyUSDValue
	case StepAskDuration:
		return keyDuration
	default:
		return string(step)
	}
}

func contributionCommand(data map[string]string, pin string) (*Command, error) {
	chamaID, err := uuid.Parse(data[keyChamaID])
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(data[keyAmount])
	if err != nil {
		return nil, err
	}
	usd, err := decimal.NewFromString(data[keyUSDValue])
	if err != nil {
		return nil, err
	}
	return &Command{Kind: CommandContribute, ChamaID: chamaID, Token: domain.Token(data[keyToken]), Amount: amount, USDValue: usd, Pin: pin}, nil
}

func loanRequestCommand(data map[string]string, pin string) (*Command, error) {
	chamaID, err := uuid.Parse(data[keyChamaID])
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(data[keyAmount])
	if err != nil {
		return nil, err
	}
	days, err := strconv.Atoi(data[keyDuration])
	if err != nil {
		return nil, err
	}
	return &Command{Kind: CommandRequestLoan, ChamaID: chamaID, Token: domain.Token(data[keyToken]), Amount: amount, DurationDays: days, Pin: pin}, nil
}

func loanRepayCommand(data map[string]string, pin string) (*Command, error) {
	loanID, err := uuid.Parse(data[keyLoanID])
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(data[keyAmount])
	if err != nil {
		return nil, err
	}
	return &Command{Kind: CommandRepayLoan, LoanID: loanID, Amount: amount, Pin: pin}, nil
}

func pinDigest(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}
