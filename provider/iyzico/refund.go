package iyzico

import (
	"context"
	"encoding/json"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/provider"
)

type refundRequest struct {
	Locale         string `json:"locale"`
	ConversationID string `json:"conversationId"`
	PaymentID      string `json:"paymentId"`
	Price          string `json:"price"`
	Currency       string `json:"currency"`
	IP             string `json:"ip"`
}

type refundResponse struct {
	envelope
	PaymentID            string      `json:"paymentId"`
	PaymentTransactionID string      `json:"paymentTransactionId"`
	Price                json.Number `json:"price"`
	Currency             string      `json:"currency"`
	HostReference        string      `json:"hostReference"`
	RefundHostReference  string      `json:"refundHostReference"`
}

// CreateRefund issues a refund against a captured payment. The idempotency key travels as the
// conversationId. A definitive rejection comes back as a failed record, not an error.
func (c *Client) CreateRefund(ctx context.Context, call provider.RefundCall) (*provider.RefundRecord, error) {
	if call.PaymentID == "" {
		return nil, provider.NewValidationError("paymentId", "is required for refund")
	}
	if !call.Amount.IsPositive() {
		return nil, provider.NewValidationError("price", "must be positive")
	}
	if !IsSupportedCurrency(call.Currency) {
		return nil, provider.NewValidationError("currency", "%q is not supported", call.Currency)
	}
	if call.IdempotencyKey == "" {
		return nil, provider.NewValidationError("idempotencyKey", "is required")
	}

	payload := refundRequest{
		Locale:         c.locale(""),
		ConversationID: idempotencyConversationID(call.IdempotencyKey),
		PaymentID:      call.PaymentID,
		Price:          FormatAmount(call.Amount, call.Currency),
		Currency:       call.Currency,
		IP:             orDefault(call.IP, "127.0.0.1"),
	}

	now := c.now()
	record := &provider.RefundRecord{
		LocalReference:  call.LocalReference,
		RequestedAmount: call.Amount,
		Currency:        call.Currency,
		IdempotencyKey:  call.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var resp refundResponse
	err := c.callOnce(ctx, "create_refund", call.LocalReference, endpointRefund, payload, &resp)
	if err != nil {
		if gwErr, ok := provider.AsGatewayError(err); ok {
			record.Status = provider.RefundFailed
			record.ErrorCode = gwErr.Code
			record.Message = gwErr.Message
			logger.Warn("iyzico refund rejected", logger.LogContext{
				Provider:  providerName,
				Reference: call.LocalReference,
				Fields:    map[string]any{"error_code": gwErr.Code, "idempotency_key": call.IdempotencyKey},
			})
			return record, nil
		}
		return nil, err
	}

	record.Status = provider.RefundSucceeded
	record.RemoteRefundID = firstNonEmpty(resp.RefundHostReference, resp.PaymentTransactionID, resp.HostReference, resp.PaymentID)
	record.Message = "Refund successful"
	return record, nil
}

type cancelRequest struct {
	Locale         string `json:"locale"`
	ConversationID string `json:"conversationId"`
	PaymentID      string `json:"paymentId"`
	IP             string `json:"ip"`
}

type cancelResponse struct {
	envelope
	PaymentID string `json:"paymentId"`
}

// CancelPayment voids a payment captured on the same business day
func (c *Client) CancelPayment(ctx context.Context, paymentID, idempotencyKey string) error {
	if paymentID == "" {
		return provider.NewValidationError("paymentId", "is required for cancel")
	}

	payload := cancelRequest{
		Locale:         c.locale(""),
		ConversationID: idempotencyConversationID(idempotencyKey),
		PaymentID:      paymentID,
		IP:             "127.0.0.1",
	}

	var resp cancelResponse
	return c.callOnce(ctx, "cancel_payment", paymentID, endpointCancel, payload, &resp)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
