package password

import (
	"fmt"
	"strings"
	"unicode"
)

// Policy validates candidate passwords before hashing. A violation yields
// the full list of unmet rules, never a single generic failure.
type Policy struct {
	// MinLength is 10 or 12 depending on deployment configuration.
	MinLength int
}

// commonPasswords is a small denylist of passwords rejected outright.
// Matching is case-insensitive.
var commonPasswords = map[string]bool{
	"password":     true,
	"password1":    true,
	"password123":  true,
	"123456":       true,
	"12345678":     true,
	"123456789":    true,
	"qwerty":       true,
	"qwerty123":    true,
	"abc123":       true,
	"letmein":      true,
	"welcome1":     true,
	"iloveyou":     true,
	"admin":        true,
	"changeme":     true,
	"p@ssw0rd":     true,
	"trustno1":     true,
	"sunshine":     true,
	"monkey":       true,
	"dragon":       true,
	"baseball":     true,
	"football":     true,
	"superman":     true,
	"1234567890":   true,
	"password1234": true,
}

// Validate checks the candidate against every rule and returns the unmet
// ones. An empty slice means the password is acceptable.
func (p Policy) Validate(candidate string) []string {
	min := p.MinLength
	if min <= 0 {
		min = 12
	}

	var failures []string
	if len(candidate) < min {
		failures = append(failures, fmt.Sprintf("At least %d characters.", min))
	}

	var hasLower, hasUpper, hasDigit, hasSymbol, hasSpace bool
	for _, r := range candidate {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsSpace(r):
			hasSpace = true
		default:
			hasSymbol = true
		}
	}

	if !hasLower {
		failures = append(failures, "At least one lowercase letter.")
	}
	if !hasUpper {
		failures = append(failures, "At least one uppercase letter.")
	}
	if !hasDigit {
		failures = append(failures, "At least one number.")
	}
	if !hasSymbol {
		failures = append(failures, "At least one symbol.")
	}
	if hasSpace {
		failures = append(failures, "No whitespace.")
	}
	if commonPasswords[strings.ToLower(candidate)] {
		failures = append(failures, "Not a commonly used password.")
	}

	return failures
}
