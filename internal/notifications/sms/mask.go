package sms

import "strings"

// MaskNumber hides the middle of a phone number: the first 3 and last 4
// characters are kept. Numbers of 7 characters or fewer are fully masked.
func MaskNumber(number string) string {
	r := []rune(number)
	if len(r) <= 7 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:3]) + "*****" + string(r[len(r)-4:])
}
