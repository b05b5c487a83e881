package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_IssueVerify(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Minute)
	now := time.Now()

	token, err := issuer.Issue("admin", now)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", -time.Minute)
	token, err := issuer.Issue("admin", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	issuer1 := NewTokenIssuer("secret-one", time.Minute)
	issuer2 := NewTokenIssuer("secret-two", time.Minute)

	token, err := issuer1.Issue("admin", time.Now())
	require.NoError(t, err)

	_, err = issuer2.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_Malformed(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Minute)
	_, err := issuer.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
