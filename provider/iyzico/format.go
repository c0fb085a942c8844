package iyzico

import (
	"strings"
	"unicode"

	"github.com/mstgnz/paygate/provider"
	"github.com/shopspring/decimal"
)

const (
	defaultLocale         = "tr"
	defaultPhone          = "+905000000000"
	defaultIdentityNumber = "11111111111"
	defaultCity           = "Istanbul"
	defaultCountry        = "Turkey"
	defaultZip            = "34000"
	defaultAddress        = "Address not provided"
	defaultCategory       = "General"
	paymentGroup          = "PRODUCT"

	maxItemName  = 100
	maxFirstName = 50
)

// currencyDecimals lists the currencies the gateway accepts and their minor unit precision
var currencyDecimals = map[string]int32{
	"TRY": 2,
	"EUR": 2,
	"USD": 2,
	"GBP": 2,
	"IRR": 0,
	"NOK": 2,
	"RUB": 2,
	"CHF": 2,
}

// standardInstallments are the counts the hosted checkout can offer
var standardInstallments = []int{1, 2, 3, 6, 9, 12}

var localeMapping = map[string]string{
	"tr":     "tr",
	"tr_TR":  "tr",
	"en":     "en",
	"en_US":  "en",
	"en_GB":  "en",
	"ar_001": "en",
}

// SupportedCurrencies returns the accepted currency codes in a stable order
func SupportedCurrencies() []string {
	return []string{"TRY", "EUR", "USD", "GBP", "IRR", "NOK", "RUB", "CHF"}
}

// IsSupportedCurrency reports whether code is accepted by the gateway
func IsSupportedCurrency(code string) bool {
	_, ok := currencyDecimals[code]
	return ok
}

// FormatAmount renders amount with the currency's fixed number of decimals
func FormatAmount(amount decimal.Decimal, currency string) string {
	places, ok := currencyDecimals[currency]
	if !ok {
		places = 2
	}
	return amount.StringFixed(places)
}

// FormatPhone normalises a phone number to the +90 form the gateway expects
func FormatPhone(phone string) string {
	if strings.TrimSpace(phone) == "" {
		return defaultPhone
	}

	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) || r == '+' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return defaultPhone
	}

	if !strings.HasPrefix(cleaned, "+") {
		if strings.HasPrefix(cleaned, "0") {
			return "+9" + cleaned
		}
		return "+90" + cleaned
	}
	return cleaned
}

// MapLocale converts a host language code into a gateway locale
func MapLocale(lang string) string {
	if l, ok := localeMapping[lang]; ok {
		return l
	}
	if strings.HasPrefix(lang, "en") {
		return "en"
	}
	return defaultLocale
}

// SplitName splits a full name into first name and surname with placeholders for missing parts
func SplitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "Guest", "User"
	case 1:
		return truncate(parts[0], maxFirstName), "User"
	default:
		return truncate(parts[0], maxFirstName), truncate(strings.Join(parts[1:], " "), maxFirstName)
	}
}

// EnabledInstallments returns the installment counts offered on the hosted checkout
func EnabledInstallments(enabled bool, max int) []int {
	counts := []int{1}
	if !enabled {
		return counts
	}
	for _, c := range standardInstallments[1:] {
		if c <= max {
			counts = append(counts, c)
		}
	}
	return counts
}

// OrderLine is a host order line used to build the basket
type OrderLine struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Virtual  bool            `json:"virtual"`
	Quantity decimal.Decimal `json:"quantity"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// basketTolerance is the rounding slack allowed between the basket sum and the order total
var basketTolerance = decimal.RequireFromString("0.01")

// BuildBasket turns host order lines into basket items. Lines with no quantity or price are
// skipped; if nothing is left, or the line sum drifts from total by more than 0.01, a single
// line for the whole order is returned instead.
func BuildBasket(reference string, lines []OrderLine, total decimal.Decimal) []provider.BasketItem {
	items := make([]provider.BasketItem, 0, len(lines))
	sum := decimal.Zero

	for _, line := range lines {
		if !line.Quantity.IsPositive() || !line.Subtotal.IsPositive() {
			continue
		}

		itemType := provider.ItemPhysical
		if line.Virtual {
			itemType = provider.ItemVirtual
		}

		name := truncate(line.Name, maxItemName)
		if name == "" {
			name = "Product"
		}
		category := truncate(line.Category, maxItemName)
		if category == "" {
			category = defaultCategory
		}

		items = append(items, provider.BasketItem{
			ID:       line.ID,
			Name:     name,
			Category: category,
			ItemType: itemType,
			Price:    line.Subtotal,
		})
		sum = sum.Add(line.Subtotal)
	}

	if len(items) == 0 || sum.Sub(total).Abs().GreaterThan(basketTolerance) {
		return SingleBasketItem(reference, total)
	}
	return items
}

// SingleBasketItem returns a one-line basket covering the whole order
func SingleBasketItem(reference string, total decimal.Decimal) []provider.BasketItem {
	return []provider.BasketItem{{
		ID:       reference,
		Name:     "Order " + reference,
		Category: defaultCategory,
		ItemType: provider.ItemPhysical,
		Price:    total,
	}}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
