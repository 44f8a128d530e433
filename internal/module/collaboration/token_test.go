package collaboration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret")

	token, err := issuer.Issue("inv-1", "invitee@example.com", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, email, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", id)
	assert.Equal(t, "invitee@example.com", email)
}

func TestTokenIssuerRejections(t *testing.T) {
	issuer := NewTokenIssuer("secret")

	t.Run("expired token", func(t *testing.T) {
		token, err := issuer.Issue("inv-1", "invitee@example.com", time.Now().Add(-time.Minute))
		require.NoError(t, err)

		_, _, err = issuer.Verify(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := issuer.Issue("inv-1", "invitee@example.com", time.Now().Add(time.Hour))
		require.NoError(t, err)

		_, _, err = NewTokenIssuer("other").Verify(token)
		assert.Error(t, err)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, _, err := issuer.Verify("garbage")
		assert.Error(t, err)
	})
}

func TestVerificationCodeHashing(t *testing.T) {
	hash, err := HashVerificationCode("ABC123")
	require.NoError(t, err)
	assert.NotEqual(t, "ABC123", hash)

	assert.True(t, CheckVerificationCode(hash, "ABC123"))
	assert.False(t, CheckVerificationCode(hash, "abc123"))
	assert.False(t, CheckVerificationCode(hash, ""))
}
