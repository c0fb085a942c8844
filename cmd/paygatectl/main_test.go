package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/mstgnz/paygate/app"
	"github.com/mstgnz/paygate/infra/config"
	"github.com/mstgnz/paygate/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryLoader(t *testing.T) appLoader {
	t.Helper()
	env := map[string]string{
		"IYZICO_API_KEY":    "sandbox-api-key",
		"IYZICO_SECRET_KEY": "sandbox-secret-key",
		"RESULT_TIMEOUT":    "15m",
		"MAX_TRIGGERS":      "10",
		"APP_ENV":           "test",
	}
	cfg, err := config.LoadFrom(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.NoError(t, err)

	return func(ctx context.Context) (*app.App, error) {
		return app.Build(ctx, cfg, "test")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(memoryLoader(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSweep(t *testing.T) {
	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `{"settled": 0}`, out)
}

func TestPoll_UnknownReference(t *testing.T) {
	_, err := execute(t, "poll", "order-404")
	assert.Error(t, err)
}

func TestRefund_RequiresKey(t *testing.T) {
	_, err := execute(t, "refund", "order-1", "10.00")
	assert.ErrorContains(t, err, "key")
}

func TestRefund_InvalidAmount(t *testing.T) {
	_, err := execute(t, "refund", "order-1", "ten", "--key", "rf-1")
	assert.ErrorContains(t, err, "invalid amount")
}

func TestCancel_RequiresKey(t *testing.T) {
	_, err := execute(t, "cancel", "order-1")
	assert.ErrorContains(t, err, "key")
}

func TestCancel_UnknownReference(t *testing.T) {
	_, err := execute(t, "cancel", "order-404", "--key", "cx-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstallments_ArgCount(t *testing.T) {
	_, err := execute(t, "installments", "552879")
	assert.Error(t, err)
}

func TestAudit_RequiresTarget(t *testing.T) {
	_, err := execute(t, "audit")
	assert.ErrorContains(t, err, "reference")
}

func TestAudit_Disabled(t *testing.T) {
	_, err := execute(t, "audit", "order-1")
	assert.ErrorContains(t, err, "not enabled")
}
