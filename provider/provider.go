package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the gateway environment a credential talks to
type Mode string

const (
	ModeSandbox Mode = "sandbox"
	ModeLive    Mode = "live"
)

// Credential holds the API identity for a configured gateway instance.
// It is immutable once built and safe to share across goroutines.
type Credential struct {
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`
	Mode      Mode   `json:"mode"`
	BaseURL   string `json:"baseUrl"`
}

// IsLive reports whether the credential targets the live environment
func (c Credential) IsLive() bool {
	return c.Mode == ModeLive
}

// ItemType distinguishes physical goods from services in a basket
type ItemType string

const (
	ItemPhysical ItemType = "PHYSICAL"
	ItemVirtual  ItemType = "VIRTUAL"
)

// BasketItem is one priced line sent to the gateway
type BasketItem struct {
	ID       string          `json:"id" validate:"required"`
	Name     string          `json:"name" validate:"required"`
	Category string          `json:"category1"`
	ItemType ItemType        `json:"itemType" validate:"required,oneof=PHYSICAL VIRTUAL"`
	Price    decimal.Decimal `json:"price"`
}

// Address represents a physical address
type Address struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
	ZipCode     string `json:"zipCode,omitempty"`
}

// Buyer represents the customer paying for the order
type Buyer struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Surname        string   `json:"surname"`
	Email          string   `json:"email" validate:"omitempty,email"`
	Phone          string   `json:"gsmNumber,omitempty"`
	IdentityNumber string   `json:"identityNumber,omitempty"`
	IP             string   `json:"ip,omitempty"`
	Address        *Address `json:"address,omitempty"`
}

// CheckoutRequest describes one payment attempt. It is never mutated after submission.
type CheckoutRequest struct {
	LocalReference      string          `json:"localReference" validate:"required,max=64"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency" validate:"required,len=3"`
	BasketItems         []BasketItem    `json:"basketItems" validate:"required,min=1,dive"`
	Buyer               Buyer           `json:"buyer"`
	InstallmentsEnabled bool            `json:"installmentsEnabled"`
	MaxInstallments     int             `json:"maxInstallments" validate:"gte=0,lte=12"`
	CallbackURL         string          `json:"callbackUrl" validate:"omitempty,url"`
	Locale              string          `json:"locale,omitempty"`
	Force3DS            bool            `json:"force3ds"`
}

// CheckoutSession is what the gateway hands back when a hosted checkout is opened
type CheckoutSession struct {
	Token               string    `json:"token"`
	PaymentPageURL      string    `json:"paymentPageUrl,omitempty"`
	CheckoutFormContent string    `json:"checkoutFormContent,omitempty"`
	TokenExpiresAt      time.Time `json:"tokenExpiresAt"`
}

// ResultStatus is the tagged outcome of a checkout as reported by the gateway
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultPending ResultStatus = "pending"
	ResultUnknown ResultStatus = "unknown"
)

// CheckoutResult is the authoritative outcome pulled from the gateway
type CheckoutResult struct {
	RemoteToken         string            `json:"remoteToken"`
	Status              ResultStatus      `json:"status"`
	RawStatus           string            `json:"rawStatus,omitempty"`
	ErrorCode           string            `json:"errorCode,omitempty"`
	ErrorMessage        string            `json:"errorMessage,omitempty"`
	PaymentID           string            `json:"paymentId,omitempty"`
	ConversationID      string            `json:"conversationId,omitempty"`
	BasketID            string            `json:"basketId,omitempty"`
	PaidAmount          decimal.Decimal   `json:"paidAmount"`
	Price               decimal.Decimal   `json:"price"`
	Currency            string            `json:"currency,omitempty"`
	InstallmentCount    int               `json:"installmentCount"`
	ECI                 string            `json:"eci,omitempty"`
	AuthCode            string            `json:"authCode,omitempty"`
	CardType            string            `json:"cardType,omitempty"`
	CardAssociation     string            `json:"cardAssociation,omitempty"`
	CardFamily          string            `json:"cardFamily,omitempty"`
	RawSignaturePayload map[string]string `json:"-"`
	Signature           string            `json:"-"`
}

// CardType as reported by BIN lookups
type CardType string

const (
	CardCredit  CardType = "CREDIT_CARD"
	CardDebit   CardType = "DEBIT_CARD"
	CardPrepaid CardType = "PREPAID_CARD"
)

// BinInfo describes the issuer of a 6 digit card prefix
type BinInfo struct {
	BIN             string   `json:"binNumber"`
	CardType        CardType `json:"cardType"`
	BankName        string   `json:"bankName"`
	BankCode        int      `json:"bankCode"`
	CardAssociation string   `json:"cardAssociation"`
	CardFamily      string   `json:"cardFamily"`
	Commercial      bool     `json:"commercial"`
}

// IsDebit reports whether the card can only be charged in a single payment
func (b BinInfo) IsDebit() bool {
	return b.CardType == CardDebit || b.CardType == CardPrepaid
}

// RatePrice is one row of the gateway installment table
type RatePrice struct {
	Count            int             `json:"installmentNumber"`
	InstallmentPrice decimal.Decimal `json:"installmentPrice"`
	TotalPrice       decimal.Decimal `json:"totalPrice"`
}

// RateTable is the gateway's installment pricing for one BIN and amount
type RateTable struct {
	BIN      string      `json:"binNumber"`
	CardType CardType    `json:"cardType"`
	Force3DS bool        `json:"force3ds"`
	Prices   []RatePrice `json:"installmentPrices"`
}

// MaxCount returns the largest installment count the table offers
func (t RateTable) MaxCount() int {
	max := 0
	for _, p := range t.Prices {
		if p.Count > max {
			max = p.Count
		}
	}
	return max
}

// InstallmentOption is a priced installment choice offered to the buyer
type InstallmentOption struct {
	Count            int             `json:"count"`
	TotalPrice       decimal.Decimal `json:"totalPrice"`
	InstallmentPrice decimal.Decimal `json:"installmentPrice"`
}

// RefundStatus tracks the remote outcome of a refund
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

// RefundRecord is the persisted result of one refund request
type RefundRecord struct {
	LocalReference  string          `json:"localReference"`
	RemoteRefundID  string          `json:"remoteRefundId,omitempty"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	Currency        string          `json:"currency"`
	Status          RefundStatus    `json:"status"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Message         string          `json:"message,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Terminal reports whether the refund reached a final state
func (r RefundRecord) Terminal() bool {
	return r.Status == RefundSucceeded || r.Status == RefundFailed
}

// RefundCall is the remote refund instruction. PaymentID identifies the captured payment.
type RefundCall struct {
	LocalReference string
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	IP             string
}

// TxState is a LocalTransaction state
type TxState string

const (
	StateCreated        TxState = "created"
	StatePending3DS     TxState = "pending_3ds"
	StateAwaitingResult TxState = "awaiting_result"
	StateSucceeded      TxState = "done_success"
	StateFailed         TxState = "done_failed"
	StateExpired        TxState = "expired"
)

var stateRank = map[TxState]int{
	StateCreated:        0,
	StatePending3DS:     1,
	StateAwaitingResult: 2,
	StateSucceeded:      3,
	StateFailed:         3,
	StateExpired:        3,
}

// Terminal reports whether no further transition is allowed
func (s TxState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateExpired
}

// CanMoveTo reports whether next is a forward transition from s
func (s TxState) CanMoveTo(next TxState) bool {
	if s.Terminal() {
		return false
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	return ok && to > from
}

// Failure reasons recorded on done_failed and expired transactions
const (
	ReasonAmountMismatch = "amount-mismatch"
	ReasonSignature      = "signature"
	ReasonTimeout        = "timeout"
)

// LocalTransaction is the reconciler-owned view of one payment attempt
type LocalTransaction struct {
	LocalReference  string          `json:"localReference"`
	RemoteToken     string          `json:"remoteToken,omitempty"`
	RemotePaymentID string          `json:"remotePaymentId,omitempty"`
	PaymentPageURL  string          `json:"paymentPageUrl,omitempty"`
	TokenExpiresAt  time.Time       `json:"tokenExpiresAt,omitempty"`
	State           TxState         `json:"state"`
	FailureReason   string          `json:"failureReason,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	PaidAmount      decimal.Decimal `json:"paidAmount"`
	Currency        string          `json:"currency"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastUpdatedAt   time.Time       `json:"lastUpdatedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	AttemptsSeen    int             `json:"attemptsSeen"`
	Version         int             `json:"-"`
	Refunds         []RefundRecord  `json:"refunds,omitempty"`
}

// WebhookEvent is an inbound gateway notification. It only wakes the reconciler;
// none of its status fields are trusted.
type WebhookEvent struct {
	EventType      string `json:"iyziEventType"`
	PaymentID      string `json:"iyziPaymentId"`
	Token          string `json:"token"`
	ConversationID string `json:"paymentConversationId"`
	Status         string `json:"status"`
	Signature      string `json:"-"`
}

// Gateway is the remote payment provider as seen by the reconciler and coordinators
type Gateway interface {
	Name() string
	// ValidateCheckout applies the gateway's local rules without contacting it
	ValidateCheckout(req *CheckoutRequest) error
	InitiateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)
	RetrieveResult(ctx context.Context, token string) (*CheckoutResult, error)
	BinCheck(ctx context.Context, bin string) (*BinInfo, error)
	InstallmentRates(ctx context.Context, bin string, amount decimal.Decimal) (*RateTable, error)
	CreateRefund(ctx context.Context, call RefundCall) (*RefundRecord, error)
	CancelPayment(ctx context.Context, paymentID, idempotencyKey string) error
	VerifyWebhook(event WebhookEvent) error
	Ping(ctx context.Context) (map[string]any, error)
}
