package app

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches exactly one of these with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrGateway           = errors.New("gateway error")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Error is an engine error carrying a short message safe to show the user.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var (
	ErrInvalidAmount       = newError(ErrValidation, "Amount must be a positive number.")
	ErrUnsupportedToken    = newError(ErrValidation, "Unsupported token. Use ETH, USDT or TZS.")
	ErrNameRequired        = newError(ErrValidation, "Chama name is required.")
	ErrInvalidInviteCode   = newError(ErrValidation, "Invite code must be 8 characters.")
	ErrInvalidDuration     = newError(ErrValidation, "Loan duration is out of range.")
	ErrInvalidPhoneNumber  = newError(ErrValidation, "A valid phone number is required.")
	ErrSelfVote            = newError(ErrValidation, "You cannot vote on your own loan.")
	ErrExceedsOutstanding  = newError(ErrValidation, "Amount exceeds the outstanding loan balance.")
	ErrInvalidPinFormat    = newError(ErrValidation, "PIN must be 4 to 6 digits.")
	ErrPinNotSet           = newError(ErrValidation, "Set a transaction PIN first.")
	ErrUserNotFound        = newError(ErrNotFound, "User not found.")
	ErrChamaNotFound       = newError(ErrNotFound, "Chama not found or no longer active.")
	ErrNotMember           = newError(ErrNotFound, "You are not a member of this chama.")
	ErrLoanNotFound        = newError(ErrNotFound, "Loan not found.")
	ErrOrderNotFound       = newError(ErrNotFound, "Payment order not found.")
	ErrAlreadyMember       = newError(ErrConflict, "You are already a member of this chama.")
	ErrAlreadyVoted        = newError(ErrConflict, "You have already voted on this loan.")
	ErrLoanNotVoting       = newError(ErrConflict, "This loan is not open for voting.")
	ErrLoanNotApproved     = newError(ErrConflict, "This loan is not approved for disbursement.")
	ErrLoanNotActive       = newError(ErrConflict, "This loan is not active.")
	ErrInviteCodeTaken     = newError(ErrConflict, "Invite code already in use. Please try again.")
	ErrDuplicateOrder      = newError(ErrConflict, "Payment order already exists.")
	ErrInsufficientBalance = newError(ErrInsufficientFunds, "Insufficient balance.")
	ErrInsufficientShare   = newError(ErrInsufficientFunds, "Your share in this chama is too small for that withdrawal.")
	ErrInsufficientPool    = newError(ErrInsufficientFunds, "The chama pool does not hold enough funds for this loan.")
	ErrPoolLentOut         = newError(ErrInsufficientFunds, "Chama funds are out on loan. Try a smaller amount or wait for repayments.")
	ErrNotBorrower         = newError(ErrUnauthorized, "Only the borrower can do that.")
	ErrPinIncorrect        = newError(ErrUnauthorized, "Incorrect PIN.")
	ErrPinLocked           = newError(ErrUnauthorized, "Too many incorrect PIN attempts. Try again later.")
)

// GatewayError is a failed or unknown-outcome external call. Any local debit made
// before the call has already been compensated when this error is returned.
type GatewayError struct {
	Operation string
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *GatewayError) Unwrap() []error {
	return []error{ErrGateway, e.Err}
}

func gatewayError(operation string, err error) error {
	return &GatewayError{Operation: operation, Err: err}
}

// UserMessage renders err as a short human-readable message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return "Transaction failed. Any funds reserved for it have been returned."
	}
	return "Something went wrong. Please try again."
}
