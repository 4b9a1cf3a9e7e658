// Package auth admits xApp connections against provisioned credentials.
package auth

import (
	"errors"

	"github.com/omochice/ix-interface/internal/ix"
	"github.com/omochice/ix-interface/internal/relation"
)

// CredentialStore verifies an identity's secret. Storage and rotation of
// the secrets are the store's concern.
type CredentialStore interface {
	Verify(identity, secret string) bool
}

// Gate validates connection credentials and, when a relation is requested,
// that the identity is one of its parties. It has no side effects.
type Gate struct {
	creds     CredentialStore
	relations ix.PeerResolver
}

// NewGate creates a Gate.
func NewGate(creds CredentialStore, relations ix.PeerResolver) *Gate {
	return &Gate{creds: creds, relations: relations}
}

// Authenticate implements ix.Authenticator. It returns nil to accept and an
// *ix.AuthError to reject.
func (g *Gate) Authenticate(identity, secret, relationID string) error {
	if identity == "" || secret == "" {
		return &ix.AuthError{Code: ix.CodeMissingCredentials, Reason: "ix_username and ix_password are required"}
	}
	if !g.creds.Verify(identity, secret) {
		return &ix.AuthError{Code: ix.CodeBadCredentials, Reason: "invalid username or password"}
	}
	if relationID == "" {
		return nil
	}
	if _, err := g.relations.ResolvePeer(relationID, identity); err != nil {
		if errors.Is(err, relation.ErrNotAParty) {
			return &ix.AuthError{Code: ix.CodeNotAParty, Reason: "xApp is not a party to relation " + relationID, Err: err}
		}
		return &ix.AuthError{Code: ix.CodeUnknownRelation, Reason: "unknown relation " + relationID, Err: err}
	}
	return nil
}
