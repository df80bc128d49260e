package models

import "time"

// TokenSet is the OAuth credential of one CRM connection. Values are replaced
// as a whole on refresh, never edited in place.
type TokenSet struct {
	ConnectionID string    `db:"connection_id" json:"connection_id"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	TokenType    string    `db:"token_type" json:"token_type"`
	Scope        string    `db:"scope" json:"scope"`
	LocationID   string    `db:"location_id" json:"location_id"`
	IssuedAt     time.Time `db:"issued_at" json:"issued_at"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// NewTokenSet derives the expiry from the local issue time and the server's expires_in.
func NewTokenSet(connectionID, accessToken, refreshToken, tokenType, scope, locationID string, issuedAt time.Time, expiresIn time.Duration) *TokenSet {
	return &TokenSet{
		ConnectionID: connectionID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		LocationID:   locationID,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(expiresIn),
		UpdatedAt:    issuedAt,
	}
}

// ValidAt reports whether the access token is still usable at now with margin to spare.
func (t *TokenSet) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// TokenState is the lifecycle state of a CRM connection.
type TokenState string

const (
	TokenStateUnauthenticated TokenState = "unauthenticated"
	TokenStateValid           TokenState = "valid"
	TokenStateExpiring        TokenState = "expiring"
)

// ConnectionStatus is the operator-facing view of a CRM connection. It never carries token values.
type ConnectionStatus struct {
	ConnectionID string     `json:"connection_id"`
	State        TokenState `json:"state"`
	LocationID   string     `json:"location_id,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
}
