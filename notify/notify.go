// Package notify delivers settlement notifications to the host: a log line, a Kafka event,
// or several of them at once.
package notify

import (
	"context"
	"errors"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/reconcile"
)

// LogNotifier writes every settlement to the system log
type LogNotifier struct{}

func (LogNotifier) OnTransactionSettled(_ context.Context, s reconcile.Settlement) error {
	logger.Info("transaction settled notification", logger.LogContext{
		Reference: s.Reference,
		Fields: map[string]any{
			"state":      string(s.State),
			"reason":     s.FailureReason,
			"payment_id": s.PaymentID,
			"amount":     s.Amount.String(),
			"currency":   s.Currency,
		},
	})
	return nil
}

// Fanout calls every notifier in order and joins their errors
type Fanout []reconcile.Notifier

func (f Fanout) OnTransactionSettled(ctx context.Context, s reconcile.Settlement) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.OnTransactionSettled(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ reconcile.Notifier = LogNotifier{}
	_ reconcile.Notifier = Fanout{}
)
