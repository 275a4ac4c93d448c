package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret")

	token, err := issuer.Issue("alice", false)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	username, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", username)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenIssuer("secret-one").Issue("alice", false)
	require.NoError(t, err)

	_, err = NewTokenIssuer("secret-two").Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer("test-secret")

	for _, token := range []string{"", "not.a.token", "aaaa.bbbb.cccc"} {
		_, err := issuer.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestIssuePreservesAdminFlag(t *testing.T) {
	issuer := NewTokenIssuer("test-secret")

	adminToken, err := issuer.Issue("mod", true)
	require.NoError(t, err)
	userToken, err := issuer.Issue("alice", false)
	require.NoError(t, err)
	require.NotEqual(t, adminToken, userToken)

	username, err := issuer.Verify(adminToken)
	require.NoError(t, err)
	require.Equal(t, "mod", username)
}
