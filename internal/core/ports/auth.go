package ports

import "meshcast/internal/core/domain"

// Identity is the local participant. Issuing identities is up to the
// embedding application.
type Identity interface {
	PeerID() domain.PeerID
}

// TokenValidator authenticates relay connections. The token subject is the
// peer id.
type TokenValidator interface {
	ValidateToken(token string) (domain.PeerID, error)
}
