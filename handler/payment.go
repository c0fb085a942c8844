package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/middle"
	"github.com/mstgnz/paygate/infra/response"
	"github.com/mstgnz/paygate/infra/validate"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/provider/iyzico"
	"github.com/mstgnz/paygate/refund"
	"github.com/shopspring/decimal"
)

const requestTimeout = 30 * time.Second

// TransactionService is what the payment endpoints need from the reconciler
type TransactionService interface {
	Begin(ctx context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error)
	Get(ctx context.Context, reference string) (*provider.LocalTransaction, error)
	Poll(ctx context.Context, reference string) (*provider.LocalTransaction, error)
}

// RefundService issues, cancels and lists refunds
type RefundService interface {
	Refund(ctx context.Context, req refund.Request) (*provider.RefundRecord, error)
	Cancel(ctx context.Context, req refund.CancelRequest) (*provider.RefundRecord, error)
	List(ctx context.Context, reference string) ([]provider.RefundRecord, error)
}

// InstallmentService prices installment plans and looks up BINs
type InstallmentService interface {
	Resolve(ctx context.Context, bin string, amount decimal.Decimal, maxInstallments int) ([]provider.InstallmentOption, error)
	LookupBIN(ctx context.Context, bin string) (*provider.BinInfo, error)
}

// PaymentHandler serves the host facing payment API
type PaymentHandler struct {
	transactions TransactionService
	refunds      RefundService
	installments InstallmentService
	locale       string
}

// NewPaymentHandler creates a new payment handler. locale picks the language of customer messages.
func NewPaymentHandler(transactions TransactionService, refunds RefundService, installments InstallmentService, locale string) *PaymentHandler {
	return &PaymentHandler{
		transactions: transactions,
		refunds:      refunds,
		installments: installments,
		locale:       iyzico.MapLocale(locale),
	}
}

// CheckoutResponse is returned when a hosted checkout is opened
type CheckoutResponse struct {
	Reference           string           `json:"reference"`
	State               provider.TxState `json:"state"`
	Token               string           `json:"token"`
	PaymentPageURL      string           `json:"paymentPageUrl,omitempty"`
	CheckoutFormContent string           `json:"checkoutFormContent,omitempty"`
	TokenExpiresAt      time.Time        `json:"tokenExpiresAt"`
	ExpiresAt           time.Time        `json:"expiresAt"`
}

// Checkout opens a hosted checkout for a new local transaction
func (h *PaymentHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var body checkoutPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	req := body.CheckoutRequest
	if len(req.BasketItems) == 0 && len(body.Lines) > 0 {
		req.BasketItems = iyzico.BuildBasket(req.LocalReference, body.Lines, req.Amount)
	}
	if req.Buyer.IP == "" {
		req.Buyer.IP = middle.GetClientIP(r)
	}
	if req.Locale == "" {
		req.Locale = h.locale
	}

	if err := validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	tx, session, err := h.transactions.Begin(ctx, &req)
	if err != nil {
		h.checkoutFailed(w, req.LocalReference, tx, err)
		return
	}

	response.Success(w, http.StatusCreated, "Checkout started", CheckoutResponse{
		Reference:           tx.LocalReference,
		State:               tx.State,
		Token:               session.Token,
		PaymentPageURL:      session.PaymentPageURL,
		CheckoutFormContent: session.CheckoutFormContent,
		TokenExpiresAt:      session.TokenExpiresAt,
		ExpiresAt:           tx.ExpiresAt,
	})
}

// checkoutPayload accepts either ready basket items or raw order lines to build them from
type checkoutPayload struct {
	provider.CheckoutRequest
	Lines []iyzico.OrderLine `json:"lines,omitempty"`
}

// checkoutFailed answers with a localized customer message and the internal code for support
func (h *PaymentHandler) checkoutFailed(w http.ResponseWriter, reference string, tx *provider.LocalTransaction, err error) {
	_, code := response.Classify(err)

	message := "Checkout failed"
	if gwErr, ok := provider.AsGatewayError(err); ok {
		message = iyzico.ErrorMessage(gwErr.Code, h.locale)
		if !iyzico.KnownErrorCode(gwErr.Code) {
			logger.Warn("gateway returned an uncatalogued error code", logger.LogContext{
				Reference: reference,
				Provider:  "iyzico",
				Fields:    map[string]any{"gateway_code": gwErr.Code},
			})
		}
	} else if provider.IsAmbiguous(err) {
		message = iyzico.ErrorMessage("10999", h.locale)
	}

	logger.Warn("checkout failed", logger.LogContext{
		Reference: reference,
		Fields:    map[string]any{"error_code": code, "error": err.Error()},
	})

	var data any
	if tx != nil {
		data = tx
	}
	response.Failure(w, message, err, data)
}

// GetTransaction returns the stored state without contacting the gateway
func (h *PaymentHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if !validate.IsReference(reference) {
		response.Error(w, http.StatusBadRequest, "Invalid reference", nil)
		return
	}

	tx, err := h.transactions.Get(r.Context(), reference)
	if err != nil {
		response.Failure(w, "Transaction lookup failed", err, nil)
		return
	}
	response.Success(w, http.StatusOK, "Transaction retrieved", tx)
}

// PollTransaction asks the gateway for the authoritative result of a transaction
func (h *PaymentHandler) PollTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	reference := chi.URLParam(r, "reference")
	if !validate.IsReference(reference) {
		response.Error(w, http.StatusBadRequest, "Invalid reference", nil)
		return
	}

	tx, err := h.transactions.Poll(ctx, reference)
	if err != nil {
		response.Failure(w, "Poll failed", err, tx)
		return
	}
	response.Success(w, http.StatusOK, "Transaction reconciled", tx)
}

// RefundRequest is the body of a refund call. The idempotency key travels in a header.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Refund issues a partial or full refund. Replaying the same Idempotency-Key returns the stored record.
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	reference := chi.URLParam(r, "reference")
	if !validate.IsReference(reference) {
		response.Error(w, http.StatusBadRequest, "Invalid reference", nil)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		response.Error(w, http.StatusBadRequest, "Idempotency-Key header is required", nil)
		return
	}

	var body RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	record, err := h.refunds.Refund(ctx, refund.Request{
		LocalReference: reference,
		Amount:         body.Amount,
		IdempotencyKey: key,
		IP:             middle.GetClientIP(r),
	})
	if err != nil {
		response.Failure(w, "Refund failed", err, record)
		return
	}
	writeRefund(w, record, "Refund processed")
}

// Cancel voids a same-day payment in full
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	reference := chi.URLParam(r, "reference")
	if !validate.IsReference(reference) {
		response.Error(w, http.StatusBadRequest, "Invalid reference", nil)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		response.Error(w, http.StatusBadRequest, "Idempotency-Key header is required", nil)
		return
	}

	record, err := h.refunds.Cancel(ctx, refund.CancelRequest{LocalReference: reference, IdempotencyKey: key})
	if err != nil {
		response.Failure(w, "Cancel failed", err, record)
		return
	}
	writeRefund(w, record, "Payment cancelled")
}

func writeRefund(w http.ResponseWriter, record *provider.RefundRecord, message string) {
	status := http.StatusOK
	switch record.Status {
	case provider.RefundFailed:
		status = http.StatusUnprocessableEntity
		message = "Refund rejected"
	case provider.RefundPending:
		status = http.StatusAccepted
		message = "Refund pending"
	}
	response.Success(w, status, message, record)
}

// ListRefunds returns every refund recorded for a transaction
func (h *PaymentHandler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	records, err := h.refunds.List(r.Context(), reference)
	if err != nil {
		response.Failure(w, "Refund lookup failed", err, nil)
		return
	}
	if records == nil {
		records = []provider.RefundRecord{}
	}
	response.Success(w, http.StatusOK, "Refunds retrieved", records)
}

// InstallmentRequest asks for installment plans for a card prefix and amount
type InstallmentRequest struct {
	BIN             string          `json:"bin" validate:"required,bin"`
	Amount          decimal.Decimal `json:"amount"`
	MaxInstallments int             `json:"maxInstallments" validate:"gte=0,lte=12"`
}

// Installments returns the priced installment options for a BIN and amount
func (h *PaymentHandler) Installments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req InstallmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	options, err := h.installments.Resolve(ctx, req.BIN, req.Amount, req.MaxInstallments)
	if err != nil {
		response.Failure(w, "Installment pricing failed", err, nil)
		return
	}
	response.Success(w, http.StatusOK, "Installment options", map[string]any{
		"bin":     req.BIN,
		"amount":  req.Amount,
		"options": options,
	})
}

// BinLookup returns issuer data for a six digit card prefix
func (h *PaymentHandler) BinLookup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	bin := chi.URLParam(r, "bin")
	if !validate.IsBIN(bin) {
		response.Error(w, http.StatusBadRequest, "BIN must be exactly 6 digits", nil)
		return
	}

	info, err := h.installments.LookupBIN(ctx, bin)
	if err != nil {
		response.Failure(w, "BIN lookup failed", err, nil)
		return
	}
	response.Success(w, http.StatusOK, "BIN retrieved", info)
}
