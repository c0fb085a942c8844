package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/paygate/infra/response"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/refund"
	"github.com/mstgnz/paygate/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransactionService struct {
	beginFunc func(ctx context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error)
	getFunc   func(ctx context.Context, reference string) (*provider.LocalTransaction, error)
	pollFunc  func(ctx context.Context, reference string) (*provider.LocalTransaction, error)
}

func (m *mockTransactionService) Begin(ctx context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error) {
	return m.beginFunc(ctx, req)
}

func (m *mockTransactionService) Get(ctx context.Context, reference string) (*provider.LocalTransaction, error) {
	return m.getFunc(ctx, reference)
}

func (m *mockTransactionService) Poll(ctx context.Context, reference string) (*provider.LocalTransaction, error) {
	return m.pollFunc(ctx, reference)
}

type mockRefundService struct {
	refundFunc func(ctx context.Context, req refund.Request) (*provider.RefundRecord, error)
	cancelFunc func(ctx context.Context, req refund.CancelRequest) (*provider.RefundRecord, error)
	listFunc   func(ctx context.Context, reference string) ([]provider.RefundRecord, error)
}

func (m *mockRefundService) Cancel(ctx context.Context, req refund.CancelRequest) (*provider.RefundRecord, error) {
	return m.cancelFunc(ctx, req)
}

func (m *mockRefundService) Refund(ctx context.Context, req refund.Request) (*provider.RefundRecord, error) {
	return m.refundFunc(ctx, req)
}

func (m *mockRefundService) List(ctx context.Context, reference string) ([]provider.RefundRecord, error) {
	return m.listFunc(ctx, reference)
}

type mockInstallmentService struct {
	resolveFunc func(ctx context.Context, bin string, amount decimal.Decimal, max int) ([]provider.InstallmentOption, error)
	lookupFunc  func(ctx context.Context, bin string) (*provider.BinInfo, error)
}

func (m *mockInstallmentService) Resolve(ctx context.Context, bin string, amount decimal.Decimal, max int) ([]provider.InstallmentOption, error) {
	return m.resolveFunc(ctx, bin, amount, max)
}

func (m *mockInstallmentService) LookupBIN(ctx context.Context, bin string) (*provider.BinInfo, error) {
	return m.lookupFunc(ctx, bin)
}

func paymentRouter(h *PaymentHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/checkout", h.Checkout)
	r.Get("/v1/transactions/{reference}", h.GetTransaction)
	r.Post("/v1/transactions/{reference}/poll", h.PollTransaction)
	r.Post("/v1/transactions/{reference}/refunds", h.Refund)
	r.Get("/v1/transactions/{reference}/refunds", h.ListRefunds)
	r.Post("/v1/transactions/{reference}/cancel", h.Cancel)
	r.Post("/v1/installments", h.Installments)
	r.Get("/v1/bin/{bin}", h.BinLookup)
	return r
}

func serve(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

const checkoutBody = `{
	"localReference": "order-1001",
	"amount": "100.00",
	"currency": "TRY",
	"basketItems": [{"id": "sku-1", "name": "Book", "itemType": "PHYSICAL", "price": "100.00"}],
	"buyer": {"id": "buyer-1", "name": "Ada", "surname": "Yilmaz", "email": "ada@example.com"}
}`

func TestPaymentHandler_Checkout(t *testing.T) {
	expires := time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC)

	t.Run("opens checkout", func(t *testing.T) {
		var got *provider.CheckoutRequest
		svc := &mockTransactionService{
			beginFunc: func(_ context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error) {
				got = req
				return &provider.LocalTransaction{LocalReference: req.LocalReference, State: provider.StatePending3DS, ExpiresAt: expires},
					&provider.CheckoutSession{Token: "tok-1", PaymentPageURL: "https://sandbox-cpp.iyzipay.com?token=tok-1", TokenExpiresAt: expires}, nil
			},
		}
		h := paymentRouter(NewPaymentHandler(svc, nil, nil, "en"))

		req := httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(checkoutBody))
		req.RemoteAddr = "203.0.113.7:4411"
		w, resp := serve(t, h, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.True(t, resp.Success)
		require.NotNil(t, got)
		assert.Equal(t, "203.0.113.7", got.Buyer.IP)
		assert.Equal(t, "en", got.Locale)

		data := resp.Data.(map[string]any)
		assert.Equal(t, "tok-1", data["token"])
		assert.Equal(t, "pending_3ds", data["state"])
	})

	t.Run("builds basket from order lines", func(t *testing.T) {
		var got *provider.CheckoutRequest
		svc := &mockTransactionService{
			beginFunc: func(_ context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error) {
				got = req
				return &provider.LocalTransaction{LocalReference: req.LocalReference, State: provider.StatePending3DS},
					&provider.CheckoutSession{Token: "tok-2"}, nil
			},
		}
		h := paymentRouter(NewPaymentHandler(svc, nil, nil, "tr"))

		body := `{
			"localReference": "order-1002",
			"amount": "150.00",
			"currency": "TRY",
			"lines": [
				{"id": "sku-1", "name": "Book", "quantity": "1", "subtotal": "100.00"},
				{"id": "sku-2", "name": "E-book", "virtual": true, "quantity": "1", "subtotal": "50.00"},
				{"id": "gift", "name": "Gift", "quantity": "1", "subtotal": "0"}
			],
			"buyer": {"id": "buyer-1", "name": "Ada", "surname": "Yilmaz", "email": "ada@example.com"}
		}`
		w, _ := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(body)))

		assert.Equal(t, http.StatusCreated, w.Code)
		require.NotNil(t, got)
		require.Len(t, got.BasketItems, 2)
		assert.Equal(t, provider.ItemVirtual, got.BasketItems[1].ItemType)
		assert.Equal(t, "tr", got.Locale)
	})

	t.Run("rejects invalid body", func(t *testing.T) {
		h := paymentRouter(NewPaymentHandler(&mockTransactionService{}, nil, nil, "tr"))

		w, resp := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(`{"localReference": "x"}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, resp.Success)
	})

	t.Run("gateway rejection is localized", func(t *testing.T) {
		svc := &mockTransactionService{
			beginFunc: func(_ context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error) {
				tx := &provider.LocalTransaction{LocalReference: req.LocalReference, State: provider.StateFailed, FailureReason: "10051"}
				return tx, nil, &provider.GatewayError{Code: "10051", Message: "insufficient funds"}
			},
		}
		h := paymentRouter(NewPaymentHandler(svc, nil, nil, "en"))

		w, resp := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(checkoutBody)))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "Insufficient funds.", resp.Message)
		assert.Equal(t, "10051", resp.ErrorCode)
	})

	t.Run("ambiguous outcome", func(t *testing.T) {
		svc := &mockTransactionService{
			beginFunc: func(_ context.Context, req *provider.CheckoutRequest) (*provider.LocalTransaction, *provider.CheckoutSession, error) {
				return &provider.LocalTransaction{LocalReference: req.LocalReference, State: provider.StateCreated}, nil,
					&provider.AmbiguousOutcomeError{Operation: "checkout_initialize", Reference: req.LocalReference, Err: context.DeadlineExceeded}
			},
		}
		h := paymentRouter(NewPaymentHandler(svc, nil, nil, "tr"))

		w, resp := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/checkout", strings.NewReader(checkoutBody)))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ambiguous_outcome", resp.ErrorCode)
		assert.Equal(t, "Bilinmeyen hata. Lütfen tekrar deneyin.", resp.Message)
	})
}

func TestPaymentHandler_Transactions(t *testing.T) {
	svc := &mockTransactionService{
		getFunc: func(_ context.Context, reference string) (*provider.LocalTransaction, error) {
			if reference == "missing" {
				return nil, storage.ErrNotFound
			}
			return &provider.LocalTransaction{LocalReference: reference, State: provider.StateAwaitingResult}, nil
		},
		pollFunc: func(_ context.Context, reference string) (*provider.LocalTransaction, error) {
			return &provider.LocalTransaction{LocalReference: reference, State: provider.StateSucceeded}, nil
		},
	}
	h := paymentRouter(NewPaymentHandler(svc, nil, nil, "tr"))

	w, resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/transactions/order-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "awaiting_result", resp.Data.(map[string]any)["state"])

	w, resp = serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/transactions/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", resp.ErrorCode)

	w, resp = serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/transactions/order-1/poll", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done_success", resp.Data.(map[string]any)["state"])
}

func TestPaymentHandler_Refund(t *testing.T) {
	record := func(status provider.RefundStatus) *provider.RefundRecord {
		return &provider.RefundRecord{LocalReference: "order-1", RequestedAmount: decimal.RequireFromString("30.00"), Status: status, IdempotencyKey: "rf-1"}
	}

	tests := []struct {
		name       string
		key        string
		status     provider.RefundStatus
		err        error
		wantStatus int
	}{
		{name: "succeeded", key: "rf-1", status: provider.RefundSucceeded, wantStatus: http.StatusOK},
		{name: "rejected", key: "rf-1", status: provider.RefundFailed, wantStatus: http.StatusUnprocessableEntity},
		{name: "pending", key: "rf-1", status: provider.RefundPending, wantStatus: http.StatusAccepted},
		{name: "missing key", key: "", wantStatus: http.StatusBadRequest},
		{name: "over cap", key: "rf-2", err: provider.NewValidationError("amount", "refund exceeds refundable balance"), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got refund.Request
			svc := &mockRefundService{
				refundFunc: func(_ context.Context, req refund.Request) (*provider.RefundRecord, error) {
					got = req
					if tt.err != nil {
						return nil, tt.err
					}
					return record(tt.status), nil
				},
			}
			h := paymentRouter(NewPaymentHandler(nil, svc, nil, "tr"))

			req := httptest.NewRequest(http.MethodPost, "/v1/transactions/order-1/refunds", strings.NewReader(`{"amount": "30.00"}`))
			if tt.key != "" {
				req.Header.Set("Idempotency-Key", tt.key)
			}
			w, _ := serve(t, h, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.key != "" {
				assert.Equal(t, "order-1", got.LocalReference)
				assert.Equal(t, tt.key, got.IdempotencyKey)
				assert.True(t, got.Amount.Equal(decimal.RequireFromString("30")))
			}
		})
	}
}

func TestPaymentHandler_Cancel(t *testing.T) {
	t.Run("cancels", func(t *testing.T) {
		var got refund.CancelRequest
		svc := &mockRefundService{
			cancelFunc: func(_ context.Context, req refund.CancelRequest) (*provider.RefundRecord, error) {
				got = req
				return &provider.RefundRecord{LocalReference: req.LocalReference, RequestedAmount: decimal.RequireFromString("150.00"), Status: provider.RefundSucceeded, IdempotencyKey: req.IdempotencyKey}, nil
			},
		}
		h := paymentRouter(NewPaymentHandler(nil, svc, nil, "tr"))

		req := httptest.NewRequest(http.MethodPost, "/v1/transactions/order-1/cancel", nil)
		req.Header.Set("Idempotency-Key", "cx-1")
		w, resp := serve(t, h, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Payment cancelled", resp.Message)
		assert.Equal(t, refund.CancelRequest{LocalReference: "order-1", IdempotencyKey: "cx-1"}, got)
	})

	t.Run("requires idempotency key", func(t *testing.T) {
		h := paymentRouter(NewPaymentHandler(nil, &mockRefundService{}, nil, "tr"))

		w, _ := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/transactions/order-1/cancel", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not settled", func(t *testing.T) {
		svc := &mockRefundService{
			cancelFunc: func(context.Context, refund.CancelRequest) (*provider.RefundRecord, error) {
				return nil, provider.NewValidationError("localReference", "transaction is pending_3ds")
			},
		}
		h := paymentRouter(NewPaymentHandler(nil, svc, nil, "tr"))

		req := httptest.NewRequest(http.MethodPost, "/v1/transactions/order-1/cancel", nil)
		req.Header.Set("Idempotency-Key", "cx-1")
		w, resp := serve(t, h, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, resp.Success)
	})
}

func TestPaymentHandler_ListRefunds(t *testing.T) {
	svc := &mockRefundService{
		listFunc: func(context.Context, string) ([]provider.RefundRecord, error) { return nil, nil },
	}
	h := paymentRouter(NewPaymentHandler(nil, svc, nil, "tr"))

	w, resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/transactions/order-1/refunds", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, resp.Data)
}

func TestPaymentHandler_Installments(t *testing.T) {
	svc := &mockInstallmentService{
		resolveFunc: func(_ context.Context, bin string, amount decimal.Decimal, max int) ([]provider.InstallmentOption, error) {
			if bin == "999999" {
				return nil, &provider.PricingUnavailableError{BIN: bin, Err: provider.ErrGatewayUnreachable}
			}
			return []provider.InstallmentOption{{Count: 1, TotalPrice: amount, InstallmentPrice: amount}}, nil
		},
		lookupFunc: func(_ context.Context, bin string) (*provider.BinInfo, error) {
			return &provider.BinInfo{BIN: bin, CardType: provider.CardCredit, BankName: "Test Bank"}, nil
		},
	}
	h := paymentRouter(NewPaymentHandler(nil, nil, svc, "tr"))

	w, _ := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/installments", strings.NewReader(`{"bin": "552879", "amount": "100.00"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/installments", strings.NewReader(`{"bin": "999999", "amount": "100.00"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "pricing_unavailable", resp.ErrorCode)

	w, _ = serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/installments", strings.NewReader(`{"bin": "55", "amount": "100.00"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/bin/552879", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/bin/55287x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
