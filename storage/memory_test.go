package storage_test

import (
	"context"
	"testing"

	"github.com/mstgnz/paygate/storage"
	"github.com/mstgnz/paygate/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreateTransaction(ctx, storagetest.NewTransaction("order-1")))

	got, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	got.State = "tampered"

	again, err := s.GetTransaction(ctx, "order-1")
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", string(again.State))
}
