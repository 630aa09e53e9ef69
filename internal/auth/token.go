package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-lifecycle/internal/models"
)

type Claims struct {
	Email    string `json:"email"`
	Fullname string `json:"name"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 bearer tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, issuer: "ride-lifecycle", now: time.Now}
}

func (m *TokenManager) Issue(u models.UserIdentity) (string, error) {
	now := m.now()
	claims := &Claims{
		Email:    u.Email,
		Fullname: u.Fullname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify returns the identity carried by a valid token. Every failure wraps
// models.ErrUnauthenticated.
func (m *TokenManager) Verify(token string) (models.UserIdentity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return models.UserIdentity{}, fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return models.UserIdentity{}, fmt.Errorf("%w: token has no subject", models.ErrUnauthenticated)
	}
	return models.UserIdentity{ID: claims.Subject, Email: claims.Email, Fullname: claims.Fullname}, nil
}
