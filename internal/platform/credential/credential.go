package credential

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Admin keys and PINs survive from several generations of the panel: rows
// imported from the legacy database hold the raw secret, newer rows hold a
// bcrypt hash, and rows written by the old PHP tooling carry the $2y$
// prefix variant that Go's bcrypt does not accept. The stored value is
// decoded once, by prefix, into a tagged Credential; comparisons never
// re-sniff the format.

type Kind int

const (
	KindPlaintext Kind = iota
	KindHashed
)

const legacyPrefix = "$2y$"

var hashPrefixes = []string{"$2a$", "$2b$", legacyPrefix}

type Credential struct {
	kind     Kind
	value    string
	original string
}

// Decode classifies a stored secret. A $2y$ prefix is normalized to $2a$;
// the original value is kept for the retry path in Matches.
func Decode(stored string) Credential {
	trimmed := strings.TrimSpace(stored)
	for _, p := range hashPrefixes {
		if !strings.HasPrefix(trimmed, p) {
			continue
		}
		value := trimmed
		if p == legacyPrefix {
			value = "$2a$" + trimmed[len(legacyPrefix):]
		}
		return Credential{kind: KindHashed, value: value, original: trimmed}
	}
	return Credential{kind: KindPlaintext, value: trimmed, original: trimmed}
}

func (c Credential) Kind() Kind {
	return c.kind
}

func (c Credential) Hashed() bool {
	return c.kind == KindHashed
}

// Matches reports whether the provided plaintext matches the stored
// secret. Internal bcrypt failures (malformed hash, truncated row) count
// as a mismatch; they are never surfaced to the caller. If the normalized
// value fails, the original stored value is retried unmodified, which
// tolerates rows that were double-encoded or already carried the native
// prefix.
func (c Credential) Matches(provided string) bool {
	if c.value == "" {
		return false
	}
	switch c.kind {
	case KindHashed:
		if bcrypt.CompareHashAndPassword([]byte(c.value), []byte(provided)) == nil {
			return true
		}
		if c.original != c.value {
			return bcrypt.CompareHashAndPassword([]byte(c.original), []byte(provided)) == nil
		}
		return false
	default:
		return subtle.ConstantTimeCompare([]byte(c.value), []byte(strings.TrimSpace(provided))) == 1
	}
}

// Verify is the one-shot form used by callers that do not keep the decoded
// value around.
func Verify(provided, stored string) bool {
	return Decode(stored).Matches(provided)
}

// Hash produces a bcrypt hash for a new or migrated secret.
func Hash(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
