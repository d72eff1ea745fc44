package vault

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"claimrails/internal/apperr"
)

type ContactType string

const (
	ContactEmail ContactType = "EMAIL"
	ContactPhone ContactType = "PHONE"
)

// Contact is a normalized recipient handle. Value is the only form that is
// hashed, encrypted or used for delivery.
type Contact struct {
	Type  ContactType
	Value string
}

// ParseContact accepts an email address or an E.164 phone number
// ("+" and 8-15 digits; spaces, dashes and parentheses are dropped).
func ParseContact(raw string) (Contact, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Contact{}, apperr.New(apperr.KindValidation, "recipient is required")
	}
	if strings.Contains(raw, "@") {
		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Name != "" || addr.Address != raw {
			return Contact{}, apperr.New(apperr.KindValidation, "recipient email is invalid")
		}
		local, domain, _ := strings.Cut(addr.Address, "@")
		if local == "" || !strings.Contains(domain, ".") {
			return Contact{}, apperr.New(apperr.KindValidation, "recipient email is invalid")
		}
		return Contact{Type: ContactEmail, Value: strings.ToLower(addr.Address)}, nil
	}

	var b strings.Builder
	for i, r := range raw {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case '0' <= r && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return Contact{}, apperr.New(apperr.KindValidation, "recipient phone is invalid")
		}
	}
	phone := b.String()
	digits := strings.TrimPrefix(phone, "+")
	if !strings.HasPrefix(phone, "+") || len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return Contact{}, apperr.New(apperr.KindValidation, "recipient phone must be E.164")
	}
	return Contact{Type: ContactPhone, Value: phone}, nil
}

// Masked returns a display-safe form: a***@example.com or +*******4567.
func (c Contact) Masked() string {
	switch c.Type {
	case ContactEmail:
		local, domain, ok := strings.Cut(c.Value, "@")
		if !ok || local == "" {
			return "***"
		}
		_, n := utf8.DecodeRuneInString(local)
		return local[:n] + "***@" + domain
	case ContactPhone:
		if len(c.Value) <= 5 {
			return "***"
		}
		tail := c.Value[len(c.Value)-4:]
		return "+" + strings.Repeat("*", len(c.Value)-5) + tail
	}
	return "***"
}

// Hint is the recipient hint hash for this contact.
func (c Contact) Hint() string {
	return Hash(string(c.Type) + ":" + c.Value)
}
