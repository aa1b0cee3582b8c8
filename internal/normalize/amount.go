package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mattjoyce/payhook/internal/payment"
)

// currencyExponent lists ISO 4217 currencies whose minor unit is not 1/100.
var currencyExponent = map[string]int{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0,
	"XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int {
	if e, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// integerAmount parses a JSON number that must already be in minor units.
// Absent values parse as zero.
func integerAmount(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if !isDigits(s) {
		return 0, fmt.Errorf("%w: %s", payment.ErrAmountUnparseable, s)
	}
	return digitsToInt(s)
}

// decimalAmount converts a decimal major-unit string such as "10.50" into
// minor units using the currency exponent. More fractional digits than the
// currency allows is ambiguous and rejected.
func decimalAmount(value, currency string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%w: empty", payment.ErrAmountUnparseable)
	}
	whole, frac, hasFrac := strings.Cut(value, ".")
	if !isDigits(whole) || (hasFrac && !isDigits(frac)) {
		return 0, fmt.Errorf("%w: %q", payment.ErrAmountUnparseable, value)
	}
	exp := Exponent(currency)
	if len(frac) > exp {
		return 0, fmt.Errorf("%w: %q has more than %d decimals for %s", payment.ErrAmountUnparseable, value, exp, currency)
	}
	return digitsToInt(whole + frac + strings.Repeat("0", exp-len(frac)))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func digitsToInt(s string) (int64, error) {
	var n int64
	for _, r := range s {
		d := int64(r - '0')
		if n > (math.MaxInt64-d)/10 {
			return 0, fmt.Errorf("%w: %s overflows", payment.ErrAmountUnparseable, s)
		}
		n = n*10 + d
	}
	return n, nil
}
