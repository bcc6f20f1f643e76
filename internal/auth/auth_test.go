package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	s := New(Config{CallbackSecret: "test-secret"})

	hash, err := s.HashAPIKey("mb_live_abc123")
	require.NoError(t, err)
	require.NotEqual(t, "mb_live_abc123", hash)

	require.True(t, s.VerifyAPIKey("mb_live_abc123", hash))
	require.False(t, s.VerifyAPIKey("wrong-key", hash))
	require.False(t, s.VerifyAPIKey("", hash))
	require.False(t, s.VerifyAPIKey("mb_live_abc123", ""))
}

func TestIssueAndValidateCallbackToken(t *testing.T) {
	s := New(Config{CallbackSecret: "test-secret", TokenTTL: time.Minute})

	token, err := s.IssueCallbackToken(42, "session-xyz")
	require.NoError(t, err)

	claims, err := s.ValidateCallbackToken(token)
	require.NoError(t, err)
	require.Equal(t, uint(42), claims.MeetingID)
	require.Equal(t, "session-xyz", claims.SessionUID)
}

func TestValidateCallbackToken_WrongSecretRejected(t *testing.T) {
	issuer := New(Config{CallbackSecret: "secret-a"})
	verifier := New(Config{CallbackSecret: "secret-b"})

	token, err := issuer.IssueCallbackToken(1, "session-1")
	require.NoError(t, err)

	_, err = verifier.ValidateCallbackToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateCallbackToken_ExpiredRejected(t *testing.T) {
	s := New(Config{CallbackSecret: "test-secret", TokenTTL: time.Millisecond})
	token, err := s.IssueCallbackToken(1, "session-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.ValidateCallbackToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestConstantTimeEquals(t *testing.T) {
	require.True(t, ConstantTimeEquals("secret", "secret"))
	require.False(t, ConstantTimeEquals("secret", "nope"))
}
