package reconcile

import (
	"context"
	"time"

	"github.com/mstgnz/paygate/provider"
	"github.com/shopspring/decimal"
)

// Settlement describes a transaction that just reached a terminal state
type Settlement struct {
	Reference     string           `json:"reference"`
	State         provider.TxState `json:"state"`
	FailureReason string           `json:"failureReason,omitempty"`
	PaymentID     string           `json:"paymentId,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	PaidAmount    decimal.Decimal  `json:"paidAmount"`
	Currency      string           `json:"currency"`
	SettledAt     time.Time        `json:"settledAt"`
}

// Notifier is told once per transaction, after the terminal state is persisted
type Notifier interface {
	OnTransactionSettled(ctx context.Context, s Settlement) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, s Settlement) error

func (f NotifierFunc) OnTransactionSettled(ctx context.Context, s Settlement) error {
	return f(ctx, s)
}

func settlementOf(tx *provider.LocalTransaction) Settlement {
	return Settlement{
		Reference:     tx.LocalReference,
		State:         tx.State,
		FailureReason: tx.FailureReason,
		PaymentID:     tx.RemotePaymentID,
		Amount:        tx.Amount,
		PaidAmount:    tx.PaidAmount,
		Currency:      tx.Currency,
		SettledAt:     tx.LastUpdatedAt,
	}
}
