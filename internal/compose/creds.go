package compose

import (
	"strings"

	"github.com/google/uuid"
)

// Credentials are the SSH login for a lab container.
type Credentials struct {
	Username string
	Password string
}

// CredentialGenerator derives lab credentials from the owner's email.
// The lifecycle manager only sees this interface, so the scheme can be
// swapped without touching it.
type CredentialGenerator interface {
	Generate(email string) Credentials
}

// Derived makes the username the email local-part and the password
// username + a fixed suffix. The password is guessable by
// construction, which is why Random exists.
type Derived struct {
	Suffix string
}

func (d Derived) Generate(email string) Credentials {
	u := Username(email)
	return Credentials{Username: u, Password: u + d.Suffix}
}

// Random keeps the derived username but issues a per-lab random password.
type Random struct{}

func (Random) Generate(email string) Credentials {
	pw := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return Credentials{Username: Username(email), Password: pw}
}

// Username derives a unix username from an email address: the
// local-part, lowercased, restricted to [a-z0-9._-].
func Username(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	local = strings.ToLower(local)

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "labuser"
	}
	return b.String()
}
