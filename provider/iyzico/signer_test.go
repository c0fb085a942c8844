package iyzico

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/mstgnz/paygate/provider"
)

func retrieveFields() map[string]string {
	return map[string]string{
		"paymentStatus":  "SUCCESS",
		"paymentId":      "22416035",
		"currency":       "TRY",
		"basketId":       "order-1001",
		"conversationId": "order-1001",
		"paidPrice":      "100.0",
		"price":          "100.0",
		"token":          "f5ffc4b6-1d07-4a22-9d7a-2b1a4c9e7d11",
	}
}

func TestSigner_SignMatchesHMAC(t *testing.T) {
	s := NewSigner("sandbox-secret")

	got, err := s.Sign(SchemeCheckoutInitialize, map[string]string{
		"conversationId": "order-1",
		"token":          "tok-1",
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	mac := hmac.New(sha256.New, []byte("sandbox-secret"))
	mac.Write([]byte("order-1:tok-1"))
	want := hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSigner_WebhookPrefixesSecret(t *testing.T) {
	s := NewSigner("k")
	fields := map[string]string{
		"iyziEventType":         "CHECKOUT_FORM_AUTH",
		"iyziPaymentId":         "123",
		"token":                 "tok",
		"paymentConversationId": "order-1",
		"status":                "SUCCESS",
	}

	got, err := s.Sign(SchemeWebhook, fields)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("kCHECKOUT_FORM_AUTH123tokorder-1SUCCESS"))
	if want := hex.EncodeToString(mac.Sum(nil)); got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSigner_MissingField(t *testing.T) {
	s := NewSigner("secret")
	fields := retrieveFields()
	delete(fields, "paidPrice")

	_, err := s.Sign(SchemeCheckoutRetrieve, fields)
	if !provider.IsValidation(err) {
		t.Fatalf("Sign() error = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "paidPrice") {
		t.Errorf("error %q should name the missing field", err)
	}

	if s.Verify(SchemeCheckoutRetrieve, fields, strings.Repeat("0", 64)) {
		t.Error("Verify() must fail when a field is missing")
	}
}

func TestSigner_Verify(t *testing.T) {
	s := NewSigner("secret")
	sig, err := s.Sign(SchemeCheckoutRetrieve, retrieveFields())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tests := []struct {
		name      string
		mutate    func(map[string]string)
		signature string
		want      bool
	}{
		{name: "untouched", signature: sig, want: true},
		{name: "upper case hex", signature: strings.ToUpper(sig), want: true},
		{name: "surrounding whitespace", signature: " " + sig + "\n", want: true},
		{
			name:      "paid price changed",
			mutate:    func(f map[string]string) { f["paidPrice"] = "1.0" },
			signature: sig,
			want:      false,
		},
		{
			name:      "status changed",
			mutate:    func(f map[string]string) { f["paymentStatus"] = "FAILURE" },
			signature: sig,
			want:      false,
		},
		{name: "truncated", signature: sig[:32], want: false},
		{name: "not hex", signature: strings.Repeat("z", 64), want: false},
		{name: "empty", signature: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := retrieveFields()
			if tt.mutate != nil {
				tt.mutate(fields)
			}
			if got := s.Verify(SchemeCheckoutRetrieve, fields, tt.signature); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSigner_VerifyWrongSecret(t *testing.T) {
	sig, _ := NewSigner("secret").Sign(SchemeCheckoutRetrieve, retrieveFields())
	if NewSigner("other").Verify(SchemeCheckoutRetrieve, retrieveFields(), sig) {
		t.Error("a signature made with another secret must not verify")
	}
}

func TestSigner_AuthHeaders(t *testing.T) {
	s := NewSigner("secret")
	body := []byte(`{"locale":"tr"}`)

	headers := s.AuthHeaders("api-key", "1234567890abcdef", "/payment/bin/check", body)

	if headers["x-iyzi-rnd"] != "1234567890abcdef" {
		t.Errorf("x-iyzi-rnd = %q", headers["x-iyzi-rnd"])
	}

	auth := headers["Authorization"]
	if !strings.HasPrefix(auth, "IYZWSv2 ") {
		t.Fatalf("Authorization = %q, want IYZWSv2 scheme", auth)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "IYZWSv2 "))
	if err != nil {
		t.Fatalf("Authorization is not base64: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1234567890abcdef/payment/bin/check" + string(body)))
	want := "apiKey:api-key&randomKey:1234567890abcdef&signature:" + hex.EncodeToString(mac.Sum(nil))
	if string(decoded) != want {
		t.Errorf("auth string = %q, want %q", decoded, want)
	}
}

func TestNewRandomKey(t *testing.T) {
	a, b := NewRandomKey(), NewRandomKey()
	if len(a) != 16 {
		t.Errorf("len(NewRandomKey()) = %d, want 16", len(a))
	}
	if a == b {
		t.Error("NewRandomKey() returned the same key twice")
	}
}
