package services

import (
	"errors"
	"time"

	"meshcast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const tokenIssuer = "meshcast"

// Claims carries the peer id in the standard subject claim.
type Claims struct {
	StreamID domain.StreamID `json:"stream_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 relay tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *TokenService) IssueToken(peerID domain.PeerID) (string, error) {
	return s.IssueStreamToken(peerID, "")
}

// IssueStreamToken restricts the token to one stream when streamID is set.
func (s *TokenService) IssueStreamToken(peerID domain.PeerID, streamID domain.StreamID) (string, error) {
	if peerID == "" {
		return "", errors.New("peer id is required")
	}
	now := s.now()
	claims := &Claims{
		StreamID: streamID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(peerID),
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *TokenService) ValidateToken(tokenString string) (domain.PeerID, error) {
	claims, err := s.ParseClaims(tokenString)
	if err != nil {
		return "", err
	}
	return domain.PeerID(claims.Subject), nil
}

func (s *TokenService) ParseClaims(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StaticIdentity is an Identity with a fixed peer id.
type StaticIdentity domain.PeerID

func (id StaticIdentity) PeerID() domain.PeerID { return domain.PeerID(id) }
