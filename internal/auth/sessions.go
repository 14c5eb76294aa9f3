package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = 12 * time.Hour
	sessionIssuer     = "stride-gateway"
	sessionAudience   = "stride-registry"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubject       = errors.New("subject must be provided")
)

// SessionManagerConfig configures the gateway session token manager.
type SessionManagerConfig struct {
	SigningSecret []byte
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionManager issues and validates the short-lived bearer tokens the
// mobile UI presents to the local gateway. The record-signing identity
// itself never leaves the external signer capability.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewSessionManager constructs a SessionManager with sane defaults.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionManager{secret: cfg.SigningSecret, ttl: ttl, clock: clock}
}

// IssueSessionToken produces a signed token and its expiry in seconds
// for the given user identity.
func (m *SessionManager) IssueSessionToken(userID string) (string, int64, error) {
	if len(m.secret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubject
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    sessionIssuer,
		Audience:  []string{sessionAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateSessionToken ensures the token is well formed and returns the
// user identity it was issued for.
func (m *SessionManager) ValidateSessionToken(tokenString string) (string, error) {
	if len(m.secret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.secret, nil
		},
		jwt.WithAudience(sessionAudience),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}
