// Package validate implements the request-body validation rules used by
// the register endpoint: username, email, and password checks.
// Registration collects every failing field into one error map.
package validate

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// weakSubstrings are rejected when a password starts with one of them
// (case-insensitive).
var weakSubstrings = []string{"123", "abc", "qwe", "password", "admin"}

func Username(u string) error {
	if !usernamePattern.MatchString(u) {
		return fmt.Errorf("username must be 3-50 characters and contain only letters, digits, underscore, or hyphen")
	}
	return nil
}

func Email(e string) error {
	if len(e) > 254 {
		return fmt.Errorf("email must be at most 254 characters")
	}
	if _, err := mail.ParseAddress(e); err != nil {
		return fmt.Errorf("email must be a valid address")
	}
	return nil
}

func Password(p string) error {
	if len(p) < 8 || len(p) > 128 {
		return fmt.Errorf("password must be 8-128 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range p {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return fmt.Errorf("password must contain an uppercase letter, a lowercase letter, a digit, and a special character")
	}
	if hasRepeatRun(p, 3) {
		return fmt.Errorf("password must not contain a run of 3 or more identical characters")
	}
	lower := strings.ToLower(p)
	for _, bad := range weakSubstrings {
		if strings.HasPrefix(lower, bad) {
			return fmt.Errorf("password is too weak")
		}
	}
	return nil
}

func hasRepeatRun(s string, n int) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// Registration validates a register request, returning a per-field error
// map suitable for httpapi.Error.WithDetails.
func Registration(username, email, password, confirmPassword string) map[string]any {
	details := map[string]any{}
	if err := Username(username); err != nil {
		details["username"] = err.Error()
	}
	if err := Email(email); err != nil {
		details["email"] = err.Error()
	}
	if err := Password(password); err != nil {
		details["password"] = err.Error()
	}
	if password != confirmPassword {
		details["confirmPassword"] = "passwords do not match"
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
