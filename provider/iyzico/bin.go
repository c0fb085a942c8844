package iyzico

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/mstgnz/paygate/provider"
	"github.com/shopspring/decimal"
)

var errEmptyRateTable = errors.New("installment table is empty")

var binPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidateBIN checks that bin is exactly six digits
func ValidateBIN(bin string) error {
	if !binPattern.MatchString(bin) {
		return provider.NewValidationError("binNumber", "must be exactly 6 digits")
	}
	return nil
}

type binCheckRequest struct {
	Locale         string `json:"locale"`
	ConversationID string `json:"conversationId"`
	BinNumber      string `json:"binNumber"`
}

type binCheckResponse struct {
	envelope
	BinNumber       string `json:"binNumber"`
	CardType        string `json:"cardType"`
	CardAssociation string `json:"cardAssociation"`
	CardFamily      string `json:"cardFamily"`
	BankName        string `json:"bankName"`
	BankCode        int    `json:"bankCode"`
	Commercial      int    `json:"commercial"`
}

// BinCheck looks up the issuer of a card prefix. It is idempotent and retried.
func (c *Client) BinCheck(ctx context.Context, bin string) (*provider.BinInfo, error) {
	if err := ValidateBIN(bin); err != nil {
		return nil, err
	}

	payload := binCheckRequest{
		Locale:         c.locale(""),
		ConversationID: newConversationID(),
		BinNumber:      bin,
	}

	var resp binCheckResponse
	if err := c.callIdempotent(ctx, "bin_check", bin, endpointBinCheck, payload, &resp); err != nil {
		return nil, err
	}

	return &provider.BinInfo{
		BIN:             orDefault(resp.BinNumber, bin),
		CardType:        provider.CardType(resp.CardType),
		BankName:        resp.BankName,
		BankCode:        resp.BankCode,
		CardAssociation: resp.CardAssociation,
		CardFamily:      resp.CardFamily,
		Commercial:      resp.Commercial == 1,
	}, nil
}

type installmentRequest struct {
	Locale         string `json:"locale"`
	ConversationID string `json:"conversationId"`
	BinNumber      string `json:"binNumber"`
	Price          string `json:"price"`
}

type installmentPrice struct {
	InstallmentNumber int         `json:"installmentNumber"`
	InstallmentPrice  json.Number `json:"installmentPrice"`
	TotalPrice        json.Number `json:"totalPrice"`
}

type installmentDetail struct {
	BinNumber         string             `json:"binNumber"`
	Price             json.Number        `json:"price"`
	CardType          string             `json:"cardType"`
	CardAssociation   string             `json:"cardAssociation"`
	CardFamilyName    string             `json:"cardFamilyName"`
	Force3DS          int                `json:"force3ds"`
	BankCode          int                `json:"bankCode"`
	BankName          string             `json:"bankName"`
	ForceCvc          int                `json:"forceCvc"`
	Commercial        int                `json:"commercial"`
	InstallmentPrices []installmentPrice `json:"installmentPrices"`
}

type installmentResponse struct {
	envelope
	InstallmentDetails []installmentDetail `json:"installmentDetails"`
}

// InstallmentRates reads the gateway's installment pricing table for bin and amount
func (c *Client) InstallmentRates(ctx context.Context, bin string, amount decimal.Decimal) (*provider.RateTable, error) {
	if err := ValidateBIN(bin); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, provider.NewValidationError("price", "must be positive")
	}

	payload := installmentRequest{
		Locale:         c.locale(""),
		ConversationID: newConversationID(),
		BinNumber:      bin,
		Price:          amount.StringFixed(2),
	}

	var resp installmentResponse
	if err := c.callIdempotent(ctx, "installment_rates", bin, endpointInstallment, payload, &resp); err != nil {
		return nil, err
	}

	if len(resp.InstallmentDetails) == 0 {
		return nil, &malformedResponseError{StatusCode: 200, Err: errEmptyRateTable}
	}

	detail := resp.InstallmentDetails[0]
	table := &provider.RateTable{
		BIN:      orDefault(detail.BinNumber, bin),
		CardType: provider.CardType(detail.CardType),
		Force3DS: detail.Force3DS == 1,
		Prices:   make([]provider.RatePrice, 0, len(detail.InstallmentPrices)),
	}
	for _, p := range detail.InstallmentPrices {
		each, err := decimal.NewFromString(p.InstallmentPrice.String())
		if err != nil {
			return nil, &malformedResponseError{StatusCode: 200, Err: err}
		}
		total, err := decimal.NewFromString(p.TotalPrice.String())
		if err != nil {
			return nil, &malformedResponseError{StatusCode: 200, Err: err}
		}
		table.Prices = append(table.Prices, provider.RatePrice{
			Count:            p.InstallmentNumber,
			InstallmentPrice: each,
			TotalPrice:       total,
		})
	}
	return table, nil
}
