package address

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"MailSpool/internal/apperr"
)

var validate = validator.New()

// Split returns the trimmed entries of a semicolon separated list.
// Empty entries are kept so callers can report them.
func Split(list string) []string {
	parts := strings.Split(list, ";")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Validate checks every entry of a semicolon separated address list and
// reports the first invalid one together with the field it came from.
func Validate(list, field string) error {
	for _, addr := range Split(list) {
		if !Valid(addr) {
			return apperr.InvalidAddress(field, addr)
		}
	}
	return nil
}

// Valid reports whether addr is a single well-formed email address.
func Valid(addr string) bool {
	if addr == "" {
		return false
	}
	return validate.Var(addr, "email") == nil
}
