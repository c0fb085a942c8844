package iyzico

import (
	"context"

	"github.com/mstgnz/paygate/provider"
)

// Webhook event types sent by iyzico
const (
	EventCheckoutFormAuth = "CHECKOUT_FORM_AUTH"
	EventPaymentSuccess   = "PAYMENT_SUCCESS"
	EventPaymentFailure   = "PAYMENT_FAILURE"
	EventRefundSuccess    = "REFUND_SUCCESS"
	EventRefundFailure    = "REFUND_FAILURE"
)

// SignatureHeader carries the webhook signature
const SignatureHeader = "X-IYZ-SIGNATURE-V3"

// WebhookFields returns the signed fields of event keyed by their wire names
func WebhookFields(event provider.WebhookEvent) map[string]string {
	return map[string]string{
		"iyziEventType":         event.EventType,
		"iyziPaymentId":         event.PaymentID,
		"token":                 event.Token,
		"paymentConversationId": event.ConversationID,
		"status":                event.Status,
	}
}

// VerifyWebhook checks the event signature. The event body is never trusted beyond this.
func (c *Client) VerifyWebhook(event provider.WebhookEvent) error {
	if event.Signature == "" || !c.signer.Verify(SchemeWebhook, WebhookFields(event), event.Signature) {
		return &provider.SignatureError{Scheme: SchemeWebhook.Name, Reference: event.ConversationID}
	}
	return nil
}

// IsPaymentEvent reports whether the event should wake payment reconciliation
func IsPaymentEvent(eventType string) bool {
	switch eventType {
	case EventCheckoutFormAuth, EventPaymentSuccess, EventPaymentFailure, "":
		return true
	}
	return false
}

// testBIN is a documented sandbox BIN used for connection checks
const testBIN = "552879"

// Ping checks credentials with a BIN lookup and returns redacted configuration details
func (c *Client) Ping(ctx context.Context) (map[string]any, error) {
	info := map[string]any{
		"provider_name":         providerName,
		"mode":                  string(c.cred.Mode),
		"api_url":               c.cred.BaseURL,
		"api_key_configured":    c.cred.APIKey != "",
		"secret_key_configured": c.cred.SecretKey != "",
		"installments_enabled":  c.settings.InstallmentsEnabled,
		"max_installments":      c.settings.MaxInstallments,
		"force_3ds":             c.settings.Force3DS,
		"supported_currencies":  SupportedCurrencies(),
	}

	bin, err := c.BinCheck(ctx, testBIN)
	if err != nil {
		info["connected"] = false
		info["error"] = err.Error()
		return info, err
	}

	info["connected"] = true
	info["test_bin"] = testBIN
	info["test_bank"] = bin.BankName
	info["test_card_type"] = string(bin.CardType)
	return info, nil
}
