package domain

import "strings"

// SubjectOfProcurement derives a single classification code covering all of a
// tender's items: the longest common prefix of their CPV codes, zero-padded
// back to the full 8-digit code. Returns "" when the items share no division.
func SubjectOfProcurement(items []Item) string {
	var codes []string
	for _, item := range items {
		code := cpvDigits(item.Classification.ID)
		if code == "" {
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return ""
	}
	prefix := codes[0]
	for _, code := range codes[1:] {
		prefix = commonPrefix(prefix, code)
	}
	// Trailing zeros carry no hierarchy information.
	prefix = strings.TrimRight(prefix, "0")
	if len(prefix) < 2 {
		return ""
	}
	return prefix + strings.Repeat("0", 8-len(prefix))
}

// cpvDigits strips the check digit suffix and validates the 8-digit body.
func cpvDigits(id string) string {
	code, _, _ := strings.Cut(id, "-")
	if len(code) != 8 {
		return ""
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return code
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
