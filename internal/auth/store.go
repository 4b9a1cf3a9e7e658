package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// StaticStore is an in-memory CredentialStore loaded at startup.
// Secrets are either plain bearer tokens or bcrypt hashes.
type StaticStore struct {
	secrets map[string]string
	// decoy is compared for unknown identities so that they cost as much
	// as known ones.
	decoy []byte
}

// NewStaticStore builds a store from identity -> secret pairs.
func NewStaticStore(secrets map[string]string) (*StaticStore, error) {
	s := &StaticStore{secrets: make(map[string]string, len(secrets))}
	for identity, secret := range secrets {
		if identity == "" {
			return nil, fmt.Errorf("credential with empty username")
		}
		if secret == "" {
			return nil, fmt.Errorf("credential %s: empty password", identity)
		}
		if isBcrypt(secret) {
			if _, err := bcrypt.Cost([]byte(secret)); err != nil {
				return nil, fmt.Errorf("credential %s: invalid bcrypt hash: %w", identity, err)
			}
			if s.decoy == nil {
				s.decoy = []byte(secret)
			}
		}
		s.secrets[identity] = secret
	}
	return s, nil
}

// Verify implements CredentialStore.
func (s *StaticStore) Verify(identity, secret string) bool {
	stored, ok := s.secrets[identity]
	if !ok {
		if s.decoy != nil {
			_ = bcrypt.CompareHashAndPassword(s.decoy, []byte(secret))
		}
		return false
	}
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1
}

// Len returns the number of provisioned identities.
func (s *StaticStore) Len() int {
	return len(s.secrets)
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
