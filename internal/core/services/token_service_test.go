package services

import (
	"testing"
	"time"

	"meshcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, err := svc.IssueStreamToken("alice", "stream-1")
	require.NoError(t, err)

	peerID, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alice"), peerID)

	claims, err := svc.ParseClaims(token)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("stream-1"), claims.StreamID)
}

func TestTokenService_Rejections(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	token, err := svc.IssueToken("alice")
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokenService("other", time.Minute).ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewTokenService("secret", time.Minute)
		later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := later.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("empty peer", func(t *testing.T) {
		_, err := svc.IssueToken("")
		assert.Error(t, err)
	})
}

func TestStaticIdentity(t *testing.T) {
	assert.Equal(t, domain.PeerID("host"), StaticIdentity("host").PeerID())
}
