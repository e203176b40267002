// Package identity authenticates callers. Clients present a signed JWT on
// connection; verification yields the stable user identifier every other
// component keys on.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrExpiredToken = errors.New("identity: token has expired")
)

// Claims is the JWT claim set issued to chat clients.
type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// Verifier validates client tokens and extracts the caller's user ID.
type Verifier struct {
	secretKey []byte
	issuer    string
	validity  time.Duration
}

// NewVerifier creates a Verifier for HS256 tokens signed with secretKey.
func NewVerifier(secretKey string, issuer string, validity time.Duration) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		validity:  validity,
	}
}

// IssueToken creates a signed token for a user. The server itself only
// verifies tokens; this is used by provisioning tooling and tests.
func (v *Verifier) IssueToken(userID string) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(v.validity)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    v.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify parses and validates a token string and returns the user ID it was
// issued to.
func (v *Verifier) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}
