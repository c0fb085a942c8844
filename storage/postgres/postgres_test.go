package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mstgnz/paygate/storage"
	"github.com/mstgnz/paygate/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only when POSTGRES_TEST_DSN points at a disposable database
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE refunds, transactions`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))

	local := time.Date(2026, 5, 1, 15, 0, 0, 0, time.FixedZone("TRT", 3*3600))
	got := nullTime(local)
	require.NotNil(t, got)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(local))

	assert.True(t, derefTime(nil).IsZero())
	assert.True(t, derefTime(got).Equal(local))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "00001_create_transactions.sql", entries[0].Name())
	assert.Equal(t, "00002_create_refunds.sql", entries[1].Name())
}
