package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/response"
	"github.com/mstgnz/paygate/provider"
)

// RedirectService reconciles the transaction behind a returning browser
type RedirectService interface {
	HandleRedirect(ctx context.Context, token string) (*provider.LocalTransaction, error)
}

// CallbackHandler serves the browser redirect the gateway sends after 3-D Secure
type CallbackHandler struct {
	redirects RedirectService
	returnURL string
}

// NewCallbackHandler redirects to returnURL once the result is applied. With no returnURL the
// outcome is written as JSON.
func NewCallbackHandler(redirects RedirectService, returnURL string) *CallbackHandler {
	return &CallbackHandler{redirects: redirects, returnURL: returnURL}
}

// HandleCallback reads the token from the form or query, reconciles synchronously and redirects
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := r.ParseForm(); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	token := strings.TrimSpace(r.Form.Get("token"))
	if token == "" {
		response.Error(w, http.StatusBadRequest, "Missing token", nil)
		return
	}

	tx, err := h.redirects.HandleRedirect(ctx, token)
	if err != nil {
		if tx != nil {
			logger.WithReference(tx.LocalReference).AddField("error", err.Error()).Warn("redirect reconciliation did not settle")
		} else {
			logger.Warn("redirect reconciliation did not settle", logger.LogContext{
				Fields: map[string]any{"error": err.Error()},
			})
		}
	}
	if tx == nil {
		response.Failure(w, "Payment result could not be applied", err, nil)
		return
	}

	if h.returnURL == "" {
		if err != nil {
			response.Failure(w, "Payment result pending", err, tx)
			return
		}
		response.Success(w, http.StatusOK, "Payment result applied", tx)
		return
	}

	http.Redirect(w, r, resultURL(h.returnURL, tx), http.StatusSeeOther)
}

func resultURL(base string, tx *provider.LocalTransaction) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("reference", tx.LocalReference)
	q.Set("state", string(tx.State))
	if tx.FailureReason != "" {
		q.Set("reason", tx.FailureReason)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
