// Package installment turns a card prefix and an amount into the installment plans the buyer may pick.
// Prices always come from the gateway's rate table.
package installment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/validate"
	"github.com/mstgnz/paygate/provider"
	"github.com/shopspring/decimal"
)

var errNoUsableRows = errors.New("rate table has no rows within the allowed counts")

// RateSource is the slice of the gateway the resolver reads from
type RateSource interface {
	BinCheck(ctx context.Context, bin string) (*provider.BinInfo, error)
	InstallmentRates(ctx context.Context, bin string, amount decimal.Decimal) (*provider.RateTable, error)
}

// Options configures a Resolver
type Options struct {
	Enabled         bool
	MaxInstallments int
	CacheSize       int
	CacheTTL        time.Duration
}

// Resolver answers installment questions for one gateway
type Resolver struct {
	source  RateSource
	enabled bool
	max     int
	cache   *provider.BinCache
}

// NewResolver builds a Resolver with a BIN cache in front of source
func NewResolver(source RateSource, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.MaxInstallments <= 0 {
		opts.MaxInstallments = 1
	}
	return &Resolver{
		source:  source,
		enabled: opts.Enabled,
		max:     opts.MaxInstallments,
		cache:   provider.NewBinCache(opts.CacheSize, opts.CacheTTL),
	}
}

// LookupBIN returns issuer data for bin, served from cache when fresh
func (r *Resolver) LookupBIN(ctx context.Context, bin string) (*provider.BinInfo, error) {
	if info, ok := r.cache.Get(bin); ok {
		return &info, nil
	}

	info, err := r.source.BinCheck(ctx, bin)
	if err != nil {
		return nil, err
	}
	r.cache.Set(bin, *info)
	return info, nil
}

// CacheStats exposes the BIN cache counters
func (r *Resolver) CacheStats() provider.CacheStats {
	return r.cache.Stats()
}

// Resolve returns the installment options for bin and amount in ascending count order.
// maxInstallments of 0 means the configured ceiling.
func (r *Resolver) Resolve(ctx context.Context, bin string, amount decimal.Decimal, maxInstallments int) ([]provider.InstallmentOption, error) {
	if !validate.IsBIN(bin) {
		return nil, provider.NewValidationError("bin", "must be exactly 6 digits")
	}
	if !amount.IsPositive() {
		return nil, provider.NewValidationError("amount", "must be positive")
	}
	if maxInstallments < 0 {
		return nil, provider.NewValidationError("maxInstallments", "must not be negative")
	}

	info, err := r.LookupBIN(ctx, bin)
	if err != nil {
		return nil, pricingError(bin, err)
	}

	if info.IsDebit() {
		return singlePayment(amount), nil
	}
	if !r.enabled {
		return singlePayment(amount), nil
	}

	limit := r.max
	if maxInstallments > 0 && maxInstallments < limit {
		limit = maxInstallments
	}

	table, err := r.source.InstallmentRates(ctx, bin, amount)
	if err != nil {
		return nil, pricingError(bin, err)
	}
	if table.CardType == provider.CardDebit || table.CardType == provider.CardPrepaid {
		return singlePayment(amount), nil
	}
	if gatewayMax := table.MaxCount(); gatewayMax < limit {
		limit = gatewayMax
	}

	options := make([]provider.InstallmentOption, 0, limit)
	for _, p := range table.Prices {
		if p.Count < 1 || p.Count > limit {
			continue
		}
		options = append(options, provider.InstallmentOption{
			Count:            p.Count,
			TotalPrice:       p.TotalPrice,
			InstallmentPrice: p.InstallmentPrice,
		})
	}
	if len(options) == 0 {
		return nil, &provider.PricingUnavailableError{BIN: bin, Err: errNoUsableRows}
	}

	sort.Slice(options, func(i, j int) bool { return options[i].Count < options[j].Count })

	logger.Debug("installment options resolved", logger.LogContext{
		Fields: map[string]any{"bin": bin, "options": len(options), "limit": limit},
	})
	return options, nil
}

func singlePayment(amount decimal.Decimal) []provider.InstallmentOption {
	return []provider.InstallmentOption{{Count: 1, TotalPrice: amount, InstallmentPrice: amount}}
}

// pricingError keeps caller mistakes as validation errors and turns the rest into PricingUnavailableError
func pricingError(bin string, err error) error {
	if provider.IsValidation(err) {
		return err
	}
	var pricing *provider.PricingUnavailableError
	if errors.As(err, &pricing) {
		return err
	}
	return &provider.PricingUnavailableError{BIN: bin, Err: fmt.Errorf("gateway lookup: %w", err)}
}
