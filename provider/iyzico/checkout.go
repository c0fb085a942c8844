package iyzico

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/provider"
	"github.com/shopspring/decimal"
)

type addressPayload struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
	ZipCode     string `json:"zipCode"`
}

type buyerPayload struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Surname             string `json:"surname"`
	GsmNumber           string `json:"gsmNumber"`
	Email               string `json:"email"`
	IdentityNumber      string `json:"identityNumber"`
	RegistrationAddress string `json:"registrationAddress"`
	IP                  string `json:"ip"`
	City                string `json:"city"`
	Country             string `json:"country"`
	ZipCode             string `json:"zipCode"`
}

type basketItemPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category1 string `json:"category1"`
	ItemType  string `json:"itemType"`
	Price     string `json:"price"`
}

type checkoutFormRequest struct {
	Locale              string              `json:"locale"`
	ConversationID      string              `json:"conversationId"`
	Price               string              `json:"price"`
	PaidPrice           string              `json:"paidPrice"`
	Currency            string              `json:"currency"`
	BasketID            string              `json:"basketId"`
	PaymentGroup        string              `json:"paymentGroup"`
	CallbackURL         string              `json:"callbackUrl"`
	EnabledInstallments []int               `json:"enabledInstallments"`
	ForceThreeDS        int                 `json:"forceThreeDS"`
	Buyer               buyerPayload        `json:"buyer"`
	ShippingAddress     addressPayload      `json:"shippingAddress"`
	BillingAddress      addressPayload      `json:"billingAddress"`
	BasketItems         []basketItemPayload `json:"basketItems"`
}

type checkoutFormInitResponse struct {
	envelope
	Token               string `json:"token"`
	CheckoutFormContent string `json:"checkoutFormContent"`
	PaymentPageURL      string `json:"paymentPageUrl"`
	TokenExpireTime     int    `json:"tokenExpireTime"`
	Signature           string `json:"signature"`
}

type checkoutFormRetrieveRequest struct {
	Locale         string `json:"locale"`
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
}

type checkoutFormResult struct {
	envelope
	Token           string      `json:"token"`
	PaymentStatus   string      `json:"paymentStatus"`
	PaymentID       string      `json:"paymentId"`
	BasketID        string      `json:"basketId"`
	Price           json.Number `json:"price"`
	PaidPrice       json.Number `json:"paidPrice"`
	Currency        string      `json:"currency"`
	Installment     int         `json:"installment"`
	AuthCode        string      `json:"authCode"`
	ECI             string      `json:"eci"`
	CardType        string      `json:"cardType"`
	CardAssociation string      `json:"cardAssociation"`
	CardFamily      string      `json:"cardFamily"`
	FraudStatus     int         `json:"fraudStatus"`
	Signature       string      `json:"signature"`
}

var errMissingToken = errors.New("response carried no token")

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,64}$`)

// ValidateCheckout implements provider.Gateway
func (c *Client) ValidateCheckout(req *provider.CheckoutRequest) error {
	return ValidateCheckout(req)
}

// ValidateCheckout checks a request before anything is sent
func ValidateCheckout(req *provider.CheckoutRequest) error {
	if req == nil {
		return provider.NewValidationError("request", "is required")
	}
	if !referencePattern.MatchString(req.LocalReference) {
		return provider.NewValidationError("localReference", "must be 1-64 characters of letters, digits or ._:/-")
	}
	if !req.Amount.IsPositive() {
		return provider.NewValidationError("amount", "must be positive")
	}
	if !IsSupportedCurrency(req.Currency) {
		return provider.NewValidationError("currency", "%q is not supported", req.Currency)
	}
	if len(req.BasketItems) == 0 {
		return provider.NewValidationError("basketItems", "at least one item is required")
	}
	for i, item := range req.BasketItems {
		if item.ID == "" || item.Name == "" {
			return provider.NewValidationError("basketItems", "item %d needs id and name", i)
		}
		if !item.Price.IsPositive() {
			return provider.NewValidationError("basketItems", "item %d price must be positive", i)
		}
	}
	if req.MaxInstallments < 0 || req.MaxInstallments > 12 {
		return provider.NewValidationError("maxInstallments", "must be between 0 and 12")
	}
	return nil
}

// InitiateCheckout opens a hosted checkout form. It is not idempotent on the gateway side.
func (c *Client) InitiateCheckout(ctx context.Context, req *provider.CheckoutRequest) (*provider.CheckoutSession, error) {
	if err := ValidateCheckout(req); err != nil {
		return nil, err
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = c.settings.CallbackURL
	}
	if callbackURL == "" {
		return nil, provider.NewValidationError("callbackUrl", "is required")
	}

	payload := c.buildCheckoutPayload(req, callbackURL)

	var resp checkoutFormInitResponse
	if err := c.callOnce(ctx, "initiate_checkout", req.LocalReference, endpointCheckoutInit, payload, &resp); err != nil {
		return nil, err
	}

	if resp.Token == "" {
		return nil, &provider.AmbiguousOutcomeError{
			Operation: "initiate_checkout",
			Reference: req.LocalReference,
			Err:       &malformedResponseError{StatusCode: 200, Err: errMissingToken},
		}
	}

	if resp.Signature != "" {
		fields := map[string]string{"conversationId": resp.ConversationID, "token": resp.Token}
		if !c.signer.Verify(SchemeCheckoutInitialize, fields, resp.Signature) {
			return nil, &provider.SignatureError{Scheme: SchemeCheckoutInitialize.Name, Reference: req.LocalReference}
		}
	}

	lifetime := defaultTokenLifetime
	if resp.TokenExpireTime > 0 {
		lifetime = time.Duration(resp.TokenExpireTime) * time.Second
	}

	pageURL := resp.PaymentPageURL
	if pageURL == "" {
		pageURL = CheckoutPageURL(c.cred.Mode) + "?token=" + resp.Token
	}

	logger.Info("iyzico checkout initialized", logger.LogContext{
		Provider:  providerName,
		Reference: req.LocalReference,
		Fields: map[string]any{
			"installments": payload.EnabledInstallments,
			"force3ds":     payload.ForceThreeDS,
		},
	})

	return &provider.CheckoutSession{
		Token:               resp.Token,
		PaymentPageURL:      pageURL,
		CheckoutFormContent: resp.CheckoutFormContent,
		TokenExpiresAt:      c.now().Add(lifetime),
	}, nil
}

func (c *Client) buildCheckoutPayload(req *provider.CheckoutRequest, callbackURL string) checkoutFormRequest {
	buyerName := strings.TrimSpace(req.Buyer.Name + " " + req.Buyer.Surname)
	first, last := SplitName(buyerName)

	var addr provider.Address
	if req.Buyer.Address != nil {
		addr = *req.Buyer.Address
	}
	address := addressPayload{
		ContactName: truncate(orDefault(addr.ContactName, first+" "+last), maxItemName),
		City:        orDefault(addr.City, defaultCity),
		Country:     orDefault(addr.Country, defaultCountry),
		Address:     orDefault(addr.Address, defaultAddress),
		ZipCode:     orDefault(addr.ZipCode, defaultZip),
	}

	items := make([]basketItemPayload, 0, len(req.BasketItems))
	basketSum := decimal.Zero
	for _, item := range req.BasketItems {
		itemType := string(item.ItemType)
		if itemType == "" {
			itemType = string(provider.ItemPhysical)
		}
		items = append(items, basketItemPayload{
			ID:        item.ID,
			Name:      truncate(item.Name, maxItemName),
			Category1: orDefault(truncate(item.Category, maxItemName), defaultCategory),
			ItemType:  itemType,
			Price:     FormatAmount(item.Price, req.Currency),
		})
		basketSum = basketSum.Add(item.Price)
	}

	installmentsEnabled := req.InstallmentsEnabled && c.settings.InstallmentsEnabled
	maxInstallments := c.settings.MaxInstallments
	if req.MaxInstallments > 0 && (maxInstallments == 0 || req.MaxInstallments < maxInstallments) {
		maxInstallments = req.MaxInstallments
	}

	force3DS := 0
	if req.Force3DS || c.settings.Force3DS {
		force3DS = 1
	}

	return checkoutFormRequest{
		Locale:              c.locale(req.Locale),
		ConversationID:      req.LocalReference,
		Price:               FormatAmount(basketSum, req.Currency),
		PaidPrice:           FormatAmount(req.Amount, req.Currency),
		Currency:            req.Currency,
		BasketID:            req.LocalReference,
		PaymentGroup:        paymentGroup,
		CallbackURL:         callbackURL,
		EnabledInstallments: EnabledInstallments(installmentsEnabled, maxInstallments),
		ForceThreeDS:        force3DS,
		Buyer: buyerPayload{
			ID:                  orDefault(req.Buyer.ID, "guest"),
			Name:                first,
			Surname:             last,
			GsmNumber:           FormatPhone(req.Buyer.Phone),
			Email:               orDefault(req.Buyer.Email, "customer@example.com"),
			IdentityNumber:      orDefault(req.Buyer.IdentityNumber, defaultIdentityNumber),
			RegistrationAddress: address.Address,
			IP:                  orDefault(req.Buyer.IP, "127.0.0.1"),
			City:                address.City,
			Country:             address.Country,
			ZipCode:             address.ZipCode,
		},
		ShippingAddress: address,
		BillingAddress:  address,
		BasketItems:     items,
	}
}

// RetrieveResult pulls the authoritative checkout outcome for token. It is idempotent and retried.
// A result whose signature does not verify is returned together with a *provider.SignatureError.
func (c *Client) RetrieveResult(ctx context.Context, token string) (*provider.CheckoutResult, error) {
	if strings.TrimSpace(token) == "" {
		return nil, provider.NewValidationError("token", "is required")
	}

	payload := checkoutFormRetrieveRequest{
		Locale:         c.locale(""),
		ConversationID: newConversationID(),
		Token:          token,
	}

	var resp checkoutFormResult
	err := c.callIdempotent(ctx, "retrieve_result", token, endpointCheckoutDetail, payload, &resp)
	if err != nil {
		// a failed payment is reported in a failure envelope that still names the payment status
		gwErr, isGateway := provider.AsGatewayError(err)
		if !isGateway || resp.PaymentStatus == "" {
			return nil, err
		}
		result := c.toResult(token, &resp)
		result.Status = provider.ResultFailure
		result.ErrorCode = gwErr.Code
		result.ErrorMessage = gwErr.Message
		return result, nil
	}

	result := c.toResult(token, &resp)

	if result.Status == provider.ResultSuccess || resp.Signature != "" {
		if !c.signer.Verify(SchemeCheckoutRetrieve, result.RawSignaturePayload, resp.Signature) {
			logger.Error("iyzico result signature mismatch", nil, logger.LogContext{
				Provider:  providerName,
				Reference: resp.ConversationID,
				Fields:    map[string]any{"payment_id": resp.PaymentID},
			})
			return result, &provider.SignatureError{Scheme: SchemeCheckoutRetrieve.Name, Reference: resp.ConversationID}
		}
	}

	return result, nil
}

func (c *Client) toResult(token string, resp *checkoutFormResult) *provider.CheckoutResult {
	paid, _ := decimal.NewFromString(resp.PaidPrice.String())
	price, _ := decimal.NewFromString(resp.Price.String())

	remoteToken := resp.Token
	if remoteToken == "" {
		remoteToken = token
	}

	result := &provider.CheckoutResult{
		RemoteToken:      remoteToken,
		Status:           MapPaymentStatus(resp.PaymentStatus),
		RawStatus:        resp.PaymentStatus,
		ErrorCode:        resp.ErrorCode,
		ErrorMessage:     resp.ErrorMessage,
		PaymentID:        resp.PaymentID,
		ConversationID:   resp.ConversationID,
		BasketID:         resp.BasketID,
		PaidAmount:       paid,
		Price:            price,
		Currency:         resp.Currency,
		InstallmentCount: resp.Installment,
		ECI:              resp.ECI,
		AuthCode:         resp.AuthCode,
		CardType:         resp.CardType,
		CardAssociation:  resp.CardAssociation,
		CardFamily:       resp.CardFamily,
		Signature:        resp.Signature,
		RawSignaturePayload: map[string]string{
			"paymentStatus":  resp.PaymentStatus,
			"paymentId":      resp.PaymentID,
			"currency":       resp.Currency,
			"basketId":       resp.BasketID,
			"conversationId": resp.ConversationID,
			"paidPrice":      resp.PaidPrice.String(),
			"price":          resp.Price.String(),
			"token":          remoteToken,
		},
	}
	if result.Status == provider.ResultFailure && result.ErrorMessage == "" && result.ErrorCode != "" {
		result.ErrorMessage = ErrorMessage(result.ErrorCode, c.locale(""))
	}
	return result
}

// MapPaymentStatus converts an iyzico paymentStatus into the tagged result status
func MapPaymentStatus(status string) provider.ResultStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS":
		return provider.ResultSuccess
	case "FAILURE":
		return provider.ResultFailure
	case "INIT_THREEDS", "CALLBACK_THREEDS", "PENDING_CREDIT", "INIT_CREDIT", "INIT_BANK_TRANSFER", "INIT_APM", "":
		return provider.ResultPending
	default:
		return provider.ResultUnknown
	}
}
