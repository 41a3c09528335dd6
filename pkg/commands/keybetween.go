package commands

import (
	"strings"

	"github.com/pkg/errors"
)

// Chapter ordering uses fractional-index keys: strings over a base-62
// alphabet whose lexicographic order is the display order. KeyBetween always
// finds a new key strictly between two existing ones without renumbering
// neighbors.

const orderDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// KeyBetween returns an order key strictly between a and b. Empty a means
// "before everything", empty b means "after everything". Keys never end in
// the zero digit, so every key keeps room below it.
func KeyBetween(a, b string) (string, error) {
	if a != "" && b != "" && a >= b {
		return "", errors.Errorf("commands: order keys out of order: %q >= %q", a, b)
	}
	if strings.HasSuffix(a, "0") || strings.HasSuffix(b, "0") {
		return "", errors.New("commands: order key has trailing zero")
	}
	return midpoint(a, b), nil
}

func midpoint(a, b string) string {
	if b != "" {
		// Strip the common prefix and recurse on the tails.
		n := 0
		for n < len(b) && charAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(tail(a, n), b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(orderDigits, a[0])
	}
	digitB := len(orderDigits)
	if b != "" {
		digitB = strings.IndexByte(orderDigits, b[0])
	}
	if digitB-digitA > 1 {
		mid := (digitA + digitB + 1) / 2
		return string(orderDigits[mid])
	}

	// Consecutive first digits.
	if len(b) > 1 {
		return b[:1]
	}
	return string(orderDigits[digitA]) + midpoint(tail(a, 1), "")
}

func charAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return orderDigits[0]
}

func tail(s string, n int) string {
	if n < len(s) {
		return s[n:]
	}
	return ""
}
