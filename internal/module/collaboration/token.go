package collaboration

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// invitationClaims are the claims carried by an invitation token.
type invitationClaims struct {
	jwt.RegisteredClaims
	InviteeEmail string `json:"invitee_email"`
}

// TokenIssuer signs and verifies invitation tokens. The token binds the
// invitation id and invitee email, so an accept link cannot be replayed for
// a different invitation or identity.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer with an HMAC secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue signs a token for an invitation, expiring with the invitation.
func (t *TokenIssuer) Issue(invitationID, inviteeEmail string, expiresAt time.Time) (string, error) {
	claims := invitationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   invitationID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		InviteeEmail: inviteeEmail,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign invitation token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the invitation id and invitee email.
func (t *TokenIssuer) Verify(tokenString string) (invitationID, inviteeEmail string, err error) {
	var claims invitationClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parse invitation token: %w", err)
	}
	return claims.Subject, claims.InviteeEmail, nil
}

// HashVerificationCode hashes an invitation verification code for storage.
func HashVerificationCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash verification code: %w", err)
	}
	return string(hash), nil
}

// CheckVerificationCode compares a supplied code against the stored hash.
func CheckVerificationCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
