package services

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer       = "pushwatch-collector"
	minJWTSecretBytes = 32

	// DefaultTokenExpiry is the lifetime of a CLI-issued agent token.
	DefaultTokenExpiry = 90 * 24 * time.Hour

	MethodSharedToken = "shared-token"
	MethodJWT         = "jwt"
)

// CustomClaims represents the JWT claims of an agent token
type CustomClaims struct {
	Hostname string `json:"hostname"`
	jwt.RegisteredClaims
}

// Principal is the identity behind an accepted token.
type Principal struct {
	Name   string
	Method string
}

// TokenAuthenticator accepts the collector's shared token and, when a signing
// secret is configured, per-host JWTs issued by this collector.
type TokenAuthenticator struct {
	sharedToken []byte
	jwtSecret   []byte
	now         func() time.Time
}

func NewTokenAuthenticator(sharedToken, jwtSecret string) (*TokenAuthenticator, error) {
	if sharedToken == "" {
		return nil, errors.New("shared token cannot be empty")
	}
	jwtSecret = strings.TrimSpace(jwtSecret)
	if jwtSecret != "" && len(jwtSecret) < minJWTSecretBytes {
		return nil, fmt.Errorf("jwt secret is %d bytes, need at least %d for HMAC-SHA256", len(jwtSecret), minJWTSecretBytes)
	}

	a := &TokenAuthenticator{
		sharedToken: []byte(sharedToken),
		now:         time.Now,
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a, nil
}

// SignedTokensEnabled reports whether per-host JWTs are accepted.
func (a *TokenAuthenticator) SignedTokensEnabled() bool {
	return len(a.jwtSecret) > 0
}

// Authenticate checks a presented bearer token. The shared token must match
// exactly; the comparison does not leak timing information.
func (a *TokenAuthenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), a.sharedToken) == 1 {
		return Principal{Name: MethodSharedToken, Method: MethodSharedToken}, nil
	}
	if !a.SignedTokensEnabled() {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	claims, err := a.validateToken(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return Principal{Name: claims.Hostname, Method: MethodJWT}, nil
}

// IssueToken creates a signed token bound to one hostname.
func (a *TokenAuthenticator) IssueToken(hostname string, expiry time.Duration) (string, error) {
	if !a.SignedTokensEnabled() {
		return "", errors.New("jwt secret not configured")
	}
	if hostname == "" {
		return "", errors.New("hostname cannot be empty")
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}

	now := a.now()
	claims := CustomClaims{
		Hostname: hostname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   hostname,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *TokenAuthenticator) validateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Hostname == "" {
		return nil, errors.New("token has no hostname")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
// The token is returned as sent, surrounding whitespace included.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
