package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentCallbackStatus is the provider's final verdict on an order.
type PaymentCallbackStatus string

const (
	PaymentStatusCompleted PaymentCallbackStatus = "COMPLETED"
	PaymentStatusFailed    PaymentCallbackStatus = "FAILED"
	PaymentStatusCancelled PaymentCallbackStatus = "CANCELLED"
)

// PaymentCallback is the provider completion/failure notification for one order.
type PaymentCallback struct {
	OrderID       string                `json:"order_id"`
	PaymentStatus PaymentCallbackStatus `json:"payment_status"`
	Reference     string                `json:"reference"`
}

// NotificationEvent is published on the broker for asynchronous delivery.
type NotificationEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditAction names a committed state transition.
type AuditAction string

const (
	AuditChamaCreated        AuditAction = "chama.created"
	AuditMemberJoined        AuditAction = "chama.member_joined"
	AuditContributionMade    AuditAction = "chama.contribution"
	AuditShareWithdrawn      AuditAction = "chama.share_withdrawn"
	AuditLoanRequested       AuditAction = "loan.requested"
	AuditLoanVoted           AuditAction = "loan.voted"
	AuditLoanApproved        AuditAction = "loan.approved"
	AuditLoanDisbursed       AuditAction = "loan.disbursed"
	AuditLoanRepayment       AuditAction = "loan.repayment"
	AuditLoanRepaid          AuditAction = "loan.repaid"
	AuditLoanRejected        AuditAction = "loan.rejected"
	AuditMobileMoneyInitiate AuditAction = "mobile_money.initiated"
	AuditMobileMoneySettled  AuditAction = "mobile_money.settled"
	AuditCompensation        AuditAction = "balance.compensated"
)

// AuditEvent is one entry on the audit stream.
type AuditEvent struct {
	ID         uuid.UUID         `json:"id"`
	Action     AuditAction       `json:"action"`
	ActorID    uuid.UUID         `json:"actor_id"`
	EntityID   string            `json:"entity_id"`
	TxRef      string            `json:"tx_ref,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
