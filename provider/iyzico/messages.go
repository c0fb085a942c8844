package iyzico

import "fmt"

type message struct {
	tr string
	en string
}

var errorMessages = map[string]message{
	"10005": {"İşlem onaylanmadı. Lütfen bankanızla iletişime geçin.", "Transaction not approved. Please contact your bank."},
	"10012": {"Geçersiz kart numarası. Lütfen kartınızı kontrol edin.", "Invalid card number. Please check your card."},
	"10034": {"Dolandırıcılık şüphesi. Lütfen bankanızla iletişime geçin.", "Fraud suspicion. Please contact your bank."},
	"10041": {"Kayıp kart. Bu kart kullanılamaz.", "Lost card. This card cannot be used."},
	"10043": {"Çalıntı kart. Bu kart kullanılamaz.", "Stolen card. This card cannot be used."},
	"10051": {"Kartınızda yetersiz bakiye bulunmaktadır.", "Insufficient funds."},
	"10054": {"Kartınızın süresi dolmuş. Lütfen başka bir kart kullanın.", "Expired card. Please use another card."},
	"10057": {"Kart sahibi bu işlemi gerçekleştiremez.", "Card holder cannot perform this transaction."},
	"10058": {"Terminal bu işlem için yetkili değil.", "Terminal not authorized."},
	"10084": {"CVC2 bilgisi hatalı.", "Invalid CVC2."},
	"10201": {"3D Secure doğrulaması başarısız.", "3D Secure authentication failed."},
	"10203": {"3D Secure doğrulaması tamamlanamadı.", "3D Secure not completed."},
	"10204": {"Kartınız 3D Secure desteklemiyor.", "Card does not support 3D Secure."},
	"10000": {"İşlem sırasında bir hata oluştu. Lütfen tekrar deneyin.", "General transaction error. Please try again."},
	"10001": {"Geçersiz istek. Lütfen bilgilerinizi kontrol edin.", "Invalid request. Please check your details."},
	"10002": {"API anahtarı geçersiz.", "Invalid API key."},
	"10003": {"İşlem tutarı geçersiz.", "Invalid amount."},
	"10004": {"Para birimi desteklenmiyor.", "Unsupported currency."},
	"10006": {"İşlem limiti aşıldı.", "Transaction limit exceeded."},
	"10007": {"İşlem zaten gerçekleştirilmiş.", "Duplicate transaction."},
	"10008": {"İşlem bulunamadı.", "Transaction not found."},
	"10009": {"İade tutarı işlem tutarını aşıyor.", "Refund amount exceeds transaction amount."},
	"10010": {"İşlem iade edilemez durumda.", "Transaction cannot be refunded."},
	"10011": {"Üye işyeri bulunamadı.", "Merchant not found."},
	"10013": {"Üye işyeri aktif değil.", "Merchant not active."},
	"10014": {"Geçersiz imza.", "Invalid signature."},
	"10015": {"Geçersiz IP adresi.", "Invalid IP address."},
	"10060": {"Taksit sayısı geçersiz.", "Invalid installment count."},
	"10061": {"Kartınız taksit desteklemiyor.", "Card does not support installments."},
	"10062": {"Bu tutar için taksit yapılamaz.", "Amount not eligible for installments."},
	"10090": {"İşlem zaman aşımına uğradı. Lütfen tekrar deneyin.", "Transaction timeout. Please try again."},
	"10091": {"Banka yanıt vermedi. Lütfen tekrar deneyin.", "Bank timeout. Please try again."},
	"10100": {"İade işlemi başarısız.", "Refund failed."},
	"10101": {"İptal işlemi başarısız.", "Cancel failed."},
	"10102": {"İade için geç kalındı.", "Refund deadline passed."},
	"10103": {"Kısmi iade yapılamaz.", "Partial refund not allowed."},
	"10120": {"Kart bilgileri alınamadı.", "Unable to retrieve card info."},
	"10121": {"Kart BIN numarası geçersiz.", "Invalid BIN number."},
	"10999": {"Bilinmeyen hata. Lütfen tekrar deneyin.", "Unknown error. Please try again."},
	"11000": {"Sistem hatası. Lütfen daha sonra tekrar deneyin.", "System error. Please try again later."},
}

// ErrorMessage returns the customer-facing message for a gateway error code in locale ("tr" or "en").
// Codes outside the catalogue get a generic message that still carries the code.
func ErrorMessage(code, locale string) string {
	msg, ok := errorMessages[code]
	if !ok {
		if MapLocale(locale) == "en" {
			return fmt.Sprintf("Payment failed with error code: %s", code)
		}
		return fmt.Sprintf("Ödeme başarısız oldu. Hata kodu: %s", code)
	}
	if MapLocale(locale) == "en" {
		return msg.en
	}
	return msg.tr
}

// KnownErrorCode reports whether code is in the catalogue
func KnownErrorCode(code string) bool {
	_, ok := errorMessages[code]
	return ok
}
