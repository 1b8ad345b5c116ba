package domain

import "strings"

// RequireText returns the trimmed value or a ValidationError when nothing is left.
func RequireText(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return trimmed, nil
}
