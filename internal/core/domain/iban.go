package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

type Country string

const bbanDigits = 18

var ibanShape = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}$`)

// DefaultCurrency picks the currency an account opened in country starts with.
func DefaultCurrency(country Country) Currency {
	switch strings.ToUpper(string(country)) {
	case "US":
		return USD
	case "GB":
		return GBP
	case "CH":
		return CHF
	case "PL":
		return PLN
	default:
		return EUR
	}
}

// GenerateIBAN builds a country-prefixed IBAN with a random numeric BBAN and
// valid ISO 7064 mod-97 check digits.
func GenerateIBAN(country Country) (string, error) {
	cc := strings.ToUpper(string(country))
	if len(cc) != 2 {
		return "", InvalidRequest(fmt.Sprintf("invalid country code %q", country))
	}

	// 1. Random BBAN
	var bban strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < bbanDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate iban digits: %w", err)
		}
		bban.WriteByte(byte('0' + n.Int64()))
	}

	// 2. Check digits: 98 - mod97(BBAN + CC + "00")
	check := 98 - mod97(bban.String()+cc+"00")
	return fmt.Sprintf("%s%02d%s", cc, check, bban.String()), nil
}

// ValidIBAN checks shape and mod-97 check digits.
func ValidIBAN(iban string) bool {
	clean := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if !ibanShape.MatchString(clean) {
		return false
	}
	return mod97(clean[4:]+clean[:4]) == 1
}

// mod97 treats letters as two-digit numbers (A=10 ... Z=35).
func mod97(s string) int {
	rem := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			rem = (rem*100 + int(r-'A') + 10) % 97
		}
	}
	return rem
}
