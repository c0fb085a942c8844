package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/reconcile"
	"github.com/mstgnz/paygate/storage"
)

// Response is a standardized API response structure
type Response struct {
	Code      int    `json:"code"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// WriteJSON encodes v as the response body with statusCode
func WriteJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

// Success writes a successful response with data
func Success(w http.ResponseWriter, statusCode int, message string, data any) {
	resp := Response{
		Code:    statusCode,
		Success: true,
		Message: message,
		Data:    data,
	}
	_ = WriteJSON(w, statusCode, resp)
}

// Error writes an error response
func Error(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := Response{
		Code:    statusCode,
		Success: false,
		Message: message,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	_ = WriteJSON(w, statusCode, resp)
}

// Failure writes err with the status Classify picks. data, when set, travels alongside the error.
func Failure(w http.ResponseWriter, message string, err error, data any) {
	status, code := Classify(err)
	resp := Response{
		Code:      status,
		Success:   false,
		Message:   message,
		ErrorCode: code,
		Data:      data,
	}
	if err != nil && status < http.StatusInternalServerError {
		resp.Error = err.Error()
	}
	_ = WriteJSON(w, status, resp)
}

// Classify maps an error to its HTTP status and a short machine readable code
func Classify(err error) (int, string) {
	var (
		validation *provider.ValidationError
		signature  *provider.SignatureError
		gateway    *provider.GatewayError
		ambiguous  *provider.AmbiguousOutcomeError
		pricing    *provider.PricingUnavailableError
		expired    *provider.TimeoutExpiredError
	)

	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &signature):
		return http.StatusUnauthorized, "signature"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &gateway):
		return http.StatusPaymentRequired, gateway.Code
	case errors.As(err, &ambiguous):
		return http.StatusConflict, "ambiguous_outcome"
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict, "conflict"
	case errors.As(err, &pricing):
		return http.StatusServiceUnavailable, "pricing_unavailable"
	case errors.As(err, &expired):
		return http.StatusGone, "expired"
	case errors.Is(err, reconcile.ErrTriggerLimit):
		return http.StatusTooManyRequests, "trigger_limit"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, provider.ErrGatewayUnreachable):
		return http.StatusGatewayTimeout, "gateway_unreachable"
	default:
		var transport *provider.TransportError
		if errors.As(err, &transport) {
			return http.StatusBadGateway, "gateway_unreachable"
		}
		return http.StatusInternalServerError, "internal"
	}
}
