package auth_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/ix-interface/internal/auth"
	"github.com/omochice/ix-interface/internal/ix"
	"github.com/omochice/ix-interface/internal/relation"
)

func newGate(t *testing.T) *auth.Gate {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("peer-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	store, err := auth.NewStaticStore(map[string]string{
		"dev_xapp_cg":     "35gJ3iHZAj3QuiAruK5hEg",
		"dev_xapp_remote": string(hash),
		"dev_xapp_other":  "other-secret",
	})
	require.NoError(t, err)

	table, err := relation.New(relation.Relation{ID: "rel4f649bfaa044e472", A: "dev_xapp_cg", B: "dev_xapp_remote"})
	require.NoError(t, err)
	return auth.NewGate(store, table)
}

func TestGate_Authenticate(t *testing.T) {
	gate := newGate(t)

	tests := []struct {
		name       string
		identity   string
		secret     string
		relationID string
		wantCode   string
	}{
		{name: "plain secret", identity: "dev_xapp_cg", secret: "35gJ3iHZAj3QuiAruK5hEg"},
		{name: "bcrypt secret", identity: "dev_xapp_remote", secret: "peer-secret"},
		{name: "party to relation", identity: "dev_xapp_cg", secret: "35gJ3iHZAj3QuiAruK5hEg", relationID: "rel4f649bfaa044e472"},
		{name: "other party to relation", identity: "dev_xapp_remote", secret: "peer-secret", relationID: "rel4f649bfaa044e472"},
		{name: "wrong secret", identity: "dev_xapp_cg", secret: "nope", wantCode: ix.CodeBadCredentials},
		{name: "wrong bcrypt secret", identity: "dev_xapp_remote", secret: "nope", wantCode: ix.CodeBadCredentials},
		{name: "unknown identity", identity: "dev_xapp_ghost", secret: "x", wantCode: ix.CodeBadCredentials},
		{name: "empty secret", identity: "dev_xapp_cg", wantCode: ix.CodeMissingCredentials},
		{name: "not a party", identity: "dev_xapp_other", secret: "other-secret", relationID: "rel4f649bfaa044e472", wantCode: ix.CodeNotAParty},
		{name: "unknown relation", identity: "dev_xapp_cg", secret: "35gJ3iHZAj3QuiAruK5hEg", relationID: "rel-x", wantCode: ix.CodeUnknownRelation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Authenticate(tt.identity, tt.secret, tt.relationID)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var aerr *ix.AuthError
			require.True(t, errors.As(err, &aerr), "error %v is not an *ix.AuthError", err)
			assert.Equal(t, tt.wantCode, aerr.Code)
			assert.NotEmpty(t, aerr.Reason)
		})
	}
}

func TestGate_NotAParty_Wraps(t *testing.T) {
	gate := newGate(t)
	err := gate.Authenticate("dev_xapp_other", "other-secret", "rel4f649bfaa044e472")
	assert.ErrorIs(t, err, relation.ErrNotAParty)
}

func TestNewStaticStore_Invalid(t *testing.T) {
	_, err := auth.NewStaticStore(map[string]string{"a": ""})
	assert.Error(t, err)

	_, err = auth.NewStaticStore(map[string]string{"": "x"})
	assert.Error(t, err)

	_, err = auth.NewStaticStore(map[string]string{"a": "$2a$garbage"})
	assert.Error(t, err)
}
