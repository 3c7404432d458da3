package model

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// LocalState is the merchant-facing lifecycle state of a payment.
type LocalState string

const (
	StateDraft      LocalState = "DRAFT"
	StatePending    LocalState = "PENDING"
	StateAuthorized LocalState = "AUTHORIZED"
	StateDone       LocalState = "DONE"
	StateCancelled  LocalState = "CANCELLED"
	StateError      LocalState = "ERROR"
)

func (s LocalState) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

func (s LocalState) Valid() bool {
	switch s {
	case StateDraft, StatePending, StateAuthorized, StateDone, StateCancelled, StateError:
		return true
	}
	return false
}

// RemoteState is the raw status string reported by the payment network. Values
// outside the known set are kept verbatim.
type RemoteState string

const (
	RemoteCreated    RemoteState = "CREATED"
	RemoteAuthorized RemoteState = "AUTHORIZED"
	RemoteCaptured   RemoteState = "CAPTURED"
	RemoteCancelled  RemoteState = "CANCELLED"
	RemoteRefunded   RemoteState = "REFUNDED"
	RemoteFailed     RemoteState = "FAILED"
	RemoteExpired    RemoteState = "EXPIRED"
	RemoteAborted    RemoteState = "ABORTED"
	RemoteTerminated RemoteState = "TERMINATED"
)

type Flow string

const (
	FlowCustomerQR       Flow = "customer_qr"
	FlowCustomerPhone    Flow = "customer_phone"
	FlowManualShopNumber Flow = "manual_shop_number"
	FlowManualShopQR     Flow = "manual_shop_qr"
	FlowEcommerce        Flow = "ecommerce"
)

func (f Flow) Valid() bool {
	switch f {
	case FlowCustomerQR, FlowCustomerPhone, FlowManualShopNumber, FlowManualShopQR, FlowEcommerce:
		return true
	}
	return false
}

// Manual reports whether the flow has no webhook and relies on operator
// confirmation.
func (f Flow) Manual() bool {
	return f == FlowManualShopNumber || f == FlowManualShopQR
}

type ManualVerification string

const (
	VerificationNone     ManualVerification = "none"
	VerificationPending  ManualVerification = "pending"
	VerificationVerified ManualVerification = "verified"
	VerificationFailed   ManualVerification = "failed"
)

type CancelReason string

const (
	CancelReasonNone     CancelReason = ""
	CancelReasonTimeout  CancelReason = "timeout"
	CancelReasonOperator CancelReason = "operator"
	CancelReasonNetwork  CancelReason = "network"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Transaction struct {
	LocalReference       string
	NetworkReference     string
	MerchantSerialNumber string
	AmountMinorUnits     int64
	Currency             string
	LocalState           LocalState
	RemoteState          RemoteState
	Flow                 Flow
	IdempotencyKey       string
	ManualVerification   ManualVerification
	CancelReason         CancelReason
	ProcessedEventIDs    map[string]struct{}
	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastStatusCheckedAt  *time.Time
	Version              int64
}

func (t *Transaction) HasProcessed(eventID string) bool {
	_, ok := t.ProcessedEventIDs[eventID]
	return ok
}

func (t *Transaction) MarkProcessed(eventID string) {
	if t.ProcessedEventIDs == nil {
		t.ProcessedEventIDs = make(map[string]struct{})
	}
	t.ProcessedEventIDs[eventID] = struct{}{}
}

// Clone returns a deep copy so callers can hand out snapshots without sharing
// the processed event set.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.ProcessedEventIDs = make(map[string]struct{}, len(t.ProcessedEventIDs))
	for id := range t.ProcessedEventIDs {
		c.ProcessedEventIDs[id] = struct{}{}
	}
	if t.LastStatusCheckedAt != nil {
		checked := *t.LastStatusCheckedAt
		c.LastStatusCheckedAt = &checked
	}
	return &c
}

func (t *Transaction) Validate() error {
	if t.LocalReference == "" {
		return errors.New("local reference is required")
	}
	if t.MerchantSerialNumber == "" {
		return errors.New("merchant serial number is required")
	}
	if t.AmountMinorUnits < 0 {
		return errors.Errorf("amount must not be negative, got %d", t.AmountMinorUnits)
	}
	if !currencyPattern.MatchString(t.Currency) {
		return errors.Errorf("currency %q is not an ISO 4217 code", t.Currency)
	}
	if !t.Flow.Valid() {
		return errors.Errorf("unknown payment flow %q", t.Flow)
	}
	return nil
}

type Environment string

const (
	EnvironmentTest       Environment = "test"
	EnvironmentProduction Environment = "production"
)

// Credential holds the per-merchant configuration. WebhookSecret is the
// decoded form of the base64 shared secret kept at rest.
type Credential struct {
	Environment          Environment
	MerchantSerialNumber string
	ClientID             string
	ClientSecret         string
	SubscriptionKey      string
	WebhookSecret        []byte
	WebhookID            string
	ManualFlowsEnabled   bool
	PollingEnabled       bool
}

// WebhookEventRecord is the append-only record of an accepted notification.
type WebhookEventRecord struct {
	EventID        string
	EventName      string
	LocalReference string
	ClientIP       string
	UserAgent      string
	ReceivedAt     time.Time
}

// SettlementEvent is emitted when a transaction reaches a terminal state.
type SettlementEvent struct {
	ID                   string      `json:"id"`
	LocalReference       string      `json:"localReference"`
	NetworkReference     string      `json:"networkReference,omitempty"`
	MerchantSerialNumber string      `json:"merchantSerialNumber"`
	AmountMinorUnits     int64       `json:"amount"`
	Currency             string      `json:"currency"`
	LocalState           LocalState  `json:"localState"`
	RemoteState          RemoteState `json:"remoteState"`
	Flow                 Flow        `json:"flow"`
	CancelReason         string      `json:"cancelReason,omitempty"`
	OccurredAt           time.Time   `json:"occurredAt"`
}
