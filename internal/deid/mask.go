package deid

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"cleanclinic/internal/patterns"
)

// maskText applies every detector in library order, replacing each match with
// its format-preserving mask.
func maskText(text string) string {
	for _, d := range patterns.All() {
		text = d.Regex.ReplaceAllStringFunc(text, maskerFor(d.Name))
	}
	return text
}

// removeText erases every detector match.
func removeText(text string) string {
	for _, d := range patterns.All() {
		text = d.Regex.ReplaceAllString(text, "")
	}
	return text
}

func maskerFor(detector string) func(string) string {
	switch detector {
	case patterns.SSN:
		return func(m string) string { return "***-**-" + lastDigits(m, 4) }
	case patterns.Phone:
		return func(m string) string { return "(***) ***-" + lastDigits(m, 4) }
	case patterns.CreditCard:
		return func(m string) string { return "****-****-****-" + lastDigits(m, 4) }
	case patterns.Email:
		return maskEmail
	}
	return func(m string) string { return strings.Repeat("*", utf8.RuneCountInString(m)) }
}

func maskEmail(m string) string {
	at := strings.LastIndexByte(m, '@')
	if at <= 0 {
		return strings.Repeat("*", utf8.RuneCountInString(m))
	}
	first, _ := utf8.DecodeRuneInString(m)
	return string(first) + "***@" + m[at+1:]
}

func lastDigits(s string, n int) string {
	digits := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) > n {
		digits = digits[len(digits)-n:]
	}
	return string(digits)
}
