// Package password generates SQL Server login passwords.
//
// SQL Server's complexity policy wants characters from at least three of:
// upper case, lower case, digits, symbols. Generated passwords are a random
// identifier that starts with a letter, then "_" and two digits.
package password

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"unicode"
)

const (
	idLength = 12
	letters  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alnum    = letters + "0123456789"
)

// Generate returns a new random password, e.g. "kQ3vR8xLm2Zp_07".
func Generate() (string, error) {
	id, err := RandomID(idLength)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return fmt.Sprintf("%s_%02d", id, n.Int64()), nil
}

// RandomID returns n random alphanumerics; the first is always a letter.
func RandomID(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	b := make([]byte, n)
	for i := range b {
		set := alnum
		if i == 0 {
			set = letters
		}
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
		if err != nil {
			return "", fmt.Errorf("random id: %w", err)
		}
		b[i] = set[idx.Int64()]
	}
	return string(b), nil
}

// Classes counts the character classes present in pw.
func Classes(pw string) int {
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	n := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			n++
		}
	}
	return n
}

// MeetsComplexity reports whether pw satisfies the 3-of-4 rule.
func MeetsComplexity(pw string) bool {
	return Classes(pw) >= 3
}
