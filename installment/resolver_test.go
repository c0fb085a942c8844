package installment

import (
	"context"
	"errors"
	"testing"

	"github.com/mstgnz/paygate/provider"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) BinCheck(ctx context.Context, bin string) (*provider.BinInfo, error) {
	args := m.Called(ctx, bin)
	info, _ := args.Get(0).(*provider.BinInfo)
	return info, args.Error(1)
}

func (m *mockSource) InstallmentRates(ctx context.Context, bin string, amount decimal.Decimal) (*provider.RateTable, error) {
	args := m.Called(ctx, bin, amount)
	table, _ := args.Get(0).(*provider.RateTable)
	return table, args.Error(1)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func creditTable(bin string, counts ...int) *provider.RateTable {
	table := &provider.RateTable{BIN: bin, CardType: provider.CardCredit}
	// listed in reverse so the resolver has to sort
	for i := len(counts) - 1; i >= 0; i-- {
		n := counts[i]
		total := dec("100").Add(decimal.NewFromInt(int64(n - 1)))
		table.Prices = append(table.Prices, provider.RatePrice{
			Count:            n,
			TotalPrice:       total,
			InstallmentPrice: total.Div(decimal.NewFromInt(int64(n))).Round(2),
		})
	}
	return table
}

func TestResolve_DebitCardGetsSinglePayment(t *testing.T) {
	src := &mockSource{}
	src.On("BinCheck", mock.Anything, "552879").
		Return(&provider.BinInfo{BIN: "552879", CardType: provider.CardDebit}, nil).Once()

	r := NewResolver(src, Options{Enabled: true, MaxInstallments: 12})
	options, err := r.Resolve(context.Background(), "552879", dec("100.00"), 0)

	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.Equal(t, 1, options[0].Count)
	assert.True(t, options[0].TotalPrice.Equal(dec("100")))
	assert.True(t, options[0].InstallmentPrice.Equal(dec("100")))
	src.AssertNotCalled(t, "InstallmentRates", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_CreditCardUsesGatewayTable(t *testing.T) {
	src := &mockSource{}
	src.On("BinCheck", mock.Anything, "454360").
		Return(&provider.BinInfo{BIN: "454360", CardType: provider.CardCredit}, nil)
	src.On("InstallmentRates", mock.Anything, "454360", mock.Anything).
		Return(creditTable("454360", 1, 2, 3, 6, 9, 12), nil)

	tests := []struct {
		name       string
		configured int
		requested  int
		want       []int
	}{
		{"configured ceiling", 6, 0, []int{1, 2, 3, 6}},
		{"request lowers ceiling", 12, 3, []int{1, 2, 3}},
		{"request cannot raise ceiling", 3, 12, []int{1, 2, 3}},
		{"gateway max wins", 12, 0, []int{1, 2, 3, 6, 9, 12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(src, Options{Enabled: true, MaxInstallments: tt.configured})
			options, err := r.Resolve(context.Background(), "454360", dec("100"), tt.requested)
			require.NoError(t, err)

			counts := make([]int, len(options))
			for i, o := range options {
				counts[i] = o.Count
			}
			assert.Equal(t, tt.want, counts)
			assert.True(t, options[len(options)-1].TotalPrice.GreaterThanOrEqual(options[0].TotalPrice))
		})
	}
}

func TestResolve_TableDowngradesToDebit(t *testing.T) {
	src := &mockSource{}
	src.On("BinCheck", mock.Anything, "454360").
		Return(&provider.BinInfo{BIN: "454360", CardType: provider.CardCredit}, nil)
	src.On("InstallmentRates", mock.Anything, "454360", mock.Anything).
		Return(&provider.RateTable{CardType: provider.CardDebit, Prices: creditTable("454360", 1, 3).Prices}, nil)

	r := NewResolver(src, Options{Enabled: true, MaxInstallments: 12})
	options, err := r.Resolve(context.Background(), "454360", dec("50"), 0)
	require.NoError(t, err)
	require.Len(t, options, 1)
}

func TestResolve_DisabledInstallments(t *testing.T) {
	src := &mockSource{}
	src.On("BinCheck", mock.Anything, "454360").
		Return(&provider.BinInfo{BIN: "454360", CardType: provider.CardCredit}, nil)

	r := NewResolver(src, Options{Enabled: false, MaxInstallments: 12})
	options, err := r.Resolve(context.Background(), "454360", dec("75.50"), 0)

	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.True(t, options[0].TotalPrice.Equal(dec("75.50")))
	src.AssertNotCalled(t, "InstallmentRates", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_PricingUnavailable(t *testing.T) {
	unreachable := &provider.TransportError{Err: errors.New("connection reset")}

	t.Run("rate table unreachable", func(t *testing.T) {
		src := &mockSource{}
		src.On("BinCheck", mock.Anything, "454360").
			Return(&provider.BinInfo{CardType: provider.CardCredit}, nil)
		src.On("InstallmentRates", mock.Anything, "454360", mock.Anything).Return(nil, unreachable)

		r := NewResolver(src, Options{Enabled: true, MaxInstallments: 12})
		_, err := r.Resolve(context.Background(), "454360", dec("100"), 0)

		var pricing *provider.PricingUnavailableError
		require.ErrorAs(t, err, &pricing)
		assert.Equal(t, "454360", pricing.BIN)
		assert.ErrorIs(t, err, unreachable)
	})

	t.Run("bin lookup unreachable", func(t *testing.T) {
		src := &mockSource{}
		src.On("BinCheck", mock.Anything, "454360").Return(nil, unreachable)

		r := NewResolver(src, Options{Enabled: true, MaxInstallments: 12})
		_, err := r.Resolve(context.Background(), "454360", dec("100"), 0)

		var pricing *provider.PricingUnavailableError
		assert.ErrorAs(t, err, &pricing)
	})

	t.Run("no rows in range", func(t *testing.T) {
		src := &mockSource{}
		src.On("BinCheck", mock.Anything, "454360").
			Return(&provider.BinInfo{CardType: provider.CardCredit}, nil)
		src.On("InstallmentRates", mock.Anything, "454360", mock.Anything).
			Return(&provider.RateTable{CardType: provider.CardCredit}, nil)

		r := NewResolver(src, Options{Enabled: true, MaxInstallments: 12})
		_, err := r.Resolve(context.Background(), "454360", dec("100"), 0)

		var pricing *provider.PricingUnavailableError
		assert.ErrorAs(t, err, &pricing)
	})
}

func TestResolve_Validation(t *testing.T) {
	r := NewResolver(&mockSource{}, Options{Enabled: true, MaxInstallments: 12})

	_, err := r.Resolve(context.Background(), "5528", dec("100"), 0)
	assert.True(t, provider.IsValidation(err))

	_, err = r.Resolve(context.Background(), "552879", dec("0"), 0)
	assert.True(t, provider.IsValidation(err))

	_, err = r.Resolve(context.Background(), "552879", dec("10"), -1)
	assert.True(t, provider.IsValidation(err))
}

func TestLookupBIN_Cached(t *testing.T) {
	src := &mockSource{}
	src.On("BinCheck", mock.Anything, "552879").
		Return(&provider.BinInfo{BIN: "552879", CardType: provider.CardDebit, BankName: "Halkbank"}, nil).Once()

	r := NewResolver(src, Options{Enabled: true, MaxInstallments: 12})
	for i := 0; i < 3; i++ {
		info, err := r.LookupBIN(context.Background(), "552879")
		require.NoError(t, err)
		assert.Equal(t, "Halkbank", info.BankName)
	}

	src.AssertNumberOfCalls(t, "BinCheck", 1)
	stats := r.CacheStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
