package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the roles allowed on the operator API.
type UserRole string

const (
	RoleOperator  UserRole = "OPERATOR"
	RoleAffiliate UserRole = "AFFILIATE"
)

// JWTClaims represents the JWT payload for API access tokens. Subject holds the
// affiliate ID for affiliate tokens.
type JWTClaims struct {
	Role UserRole `json:"role"`
	jwt.RegisteredClaims
}
