package domain

import "strings"

// NormalizeAddress lowercases an email address and strips the display-name
// wrapper if present ("Jane Doe <jane@x.com>" -> "jane@x.com").
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		if j := strings.Index(addr[i:], ">"); j > 0 {
			addr = addr[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// DomainOf returns the domain part of an email address, lowercased.
// Returns "" when the address has no @.
func DomainOf(addr string) string {
	addr = NormalizeAddress(addr)
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return addr[i+1:]
}

// TruncateRunes cuts s to at most n runes. Multi-byte safe.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Clamp01 clamps v into [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
