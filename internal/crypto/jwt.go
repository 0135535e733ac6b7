package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/domain/identity"
)

// clockSkewLeeway is the tolerated clock skew when validating exp/iat.
const clockSkewLeeway = 60 * time.Second

// tokenType is the value of the "type" claim on access tokens.
const tokenType = "access"

// ErrInvalidToken indicates a token that failed signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// TokenIssuer mints and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer with the given HMAC secret and token TTL.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue mints an access token for the principal.
func (t *TokenIssuer) Issue(p identity.Principal) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      p.UserID,
		"email":    p.Email,
		"name":     p.Name,
		"provider": p.ProviderID,
		"iat":      now.Unix(),
		"exp":      now.Add(t.ttl).Unix(),
		"type":     tokenType,
		"jti":      uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded principal.
func (t *TokenIssuer) Verify(tokenString string) (*identity.Principal, error) {
	parsed, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkewLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ != tokenType {
		return nil, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	provider, _ := claims["provider"].(string)
	return &identity.Principal{
		UserID:     sub,
		Email:      email,
		Name:       name,
		ProviderID: provider,
	}, nil
}
