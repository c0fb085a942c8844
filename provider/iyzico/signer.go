package iyzico

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/mstgnz/paygate/provider"
)

// Scheme is a canonicalization rule: which fields are signed, in which order, joined how.
type Scheme struct {
	Name      string
	Fields    []string
	Separator string
	// PrefixSecret places the secret key in front of the canonical string as well as using it as the HMAC key
	PrefixSecret bool
}

var (
	// SchemeCheckoutInitialize signs the checkout form initialize response
	SchemeCheckoutInitialize = Scheme{
		Name:      "checkout.initialize",
		Fields:    []string{"conversationId", "token"},
		Separator: ":",
	}

	// SchemeCheckoutRetrieve signs the checkout form detail response
	SchemeCheckoutRetrieve = Scheme{
		Name:      "checkout.retrieve",
		Fields:    []string{"paymentStatus", "paymentId", "currency", "basketId", "conversationId", "paidPrice", "price", "token"},
		Separator: ":",
	}

	// SchemeWebhook signs the X-IYZ-SIGNATURE-V3 header of checkout form webhooks
	SchemeWebhook = Scheme{
		Name:         "webhook",
		Fields:       []string{"iyziEventType", "iyziPaymentId", "token", "paymentConversationId", "status"},
		PrefixSecret: true,
	}
)

// Signer computes and verifies HMAC-SHA256 signatures keyed by the merchant secret
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for secretKey
func NewSigner(secretKey string) *Signer {
	return &Signer{secret: []byte(secretKey)}
}

// Sign returns the hex HMAC-SHA256 of the canonical form of fields under scheme
func (s *Signer) Sign(scheme Scheme, fields map[string]string) (string, error) {
	canonical, err := s.canonical(scheme, fields)
	if err != nil {
		return "", err
	}
	return s.mac(canonical), nil
}

// Verify recomputes the signature and compares it in constant time.
// Missing fields or a malformed signature never verify.
func (s *Signer) Verify(scheme Scheme, payload map[string]string, signature string) bool {
	canonical, err := s.canonical(scheme, payload)
	if err != nil {
		return false
	}

	received, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(received) != sha256.Size {
		return false
	}

	expected, _ := hex.DecodeString(s.mac(canonical))
	return hmac.Equal(expected, received)
}

func (s *Signer) canonical(scheme Scheme, fields map[string]string) (string, error) {
	parts := make([]string, 0, len(scheme.Fields))
	for _, name := range scheme.Fields {
		value, ok := fields[name]
		if !ok {
			return "", provider.NewValidationError(name, "required for %s signature", scheme.Name)
		}
		parts = append(parts, value)
	}

	canonical := strings.Join(parts, scheme.Separator)
	if scheme.PrefixSecret {
		canonical = string(s.secret) + canonical
	}
	return canonical, nil
}

func (s *Signer) mac(canonical string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// NewRandomKey returns the 16 character nonce used by IYZWSv2
func NewRandomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// AuthHeaders builds the IYZWSv2 authorization headers for a request to uriPath with body
func (s *Signer) AuthHeaders(apiKey, randomKey, uriPath string, body []byte) map[string]string {
	signature := s.mac(randomKey + uriPath + string(body))
	authString := "apiKey:" + apiKey + "&randomKey:" + randomKey + "&signature:" + signature

	return map[string]string{
		"Authorization": "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(authString)),
		"x-iyzi-rnd":    randomKey,
	}
}
