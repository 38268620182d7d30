// Package util provides small helpers shared across the mcp-consent library.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// It is used when logging sensitive values such as authorization codes,
// where only a short prefix should ever appear in logs.
//
// If maxLen is negative, an empty string is returned.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
