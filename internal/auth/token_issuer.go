package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errInvalidRoleClaim     = errors.New("role claim must be assistant or student")
	// ErrDocumentNotAllowed reports a token scoped to a different document.
	ErrDocumentNotAllowed = errors.New("token does not grant access to this document")
)

// ClassroomClaims identify a classroom participant. An empty DocumentID
// grants access to every document.
type ClassroomClaims struct {
	Subject    string
	Role       livesync.Role
	DocumentID string
}

// Allows reports whether the claims grant access to documentID.
func (c ClassroomClaims) Allows(documentID string) bool {
	return c.DocumentID == "" || c.DocumentID == documentID
}

type classroomJWTClaims struct {
	Role       string `json:"role"`
	DocumentID string `json:"doc,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the classroom JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the access tokens used by the speech
// upload endpoint and the live sync socket.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates cfg and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueToken(_ context.Context, claims ClassroomClaims) (string, int64, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", 0, errMissingSubjectClaim
	}
	if _, ok := livesync.ParseRole(string(claims.Role)); !ok {
		return "", 0, errInvalidRoleClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, classroomJWTClaims{
		Role:       string(claims.Role),
		DocumentID: claims.DocumentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (ClassroomClaims, error) {
	claims := &classroomJWTClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return ClassroomClaims{}, err
	}
	if claims.Subject == "" {
		return ClassroomClaims{}, errMissingSubjectClaim
	}
	role, ok := livesync.ParseRole(claims.Role)
	if !ok {
		return ClassroomClaims{}, errInvalidRoleClaim
	}
	return ClassroomClaims{Subject: claims.Subject, Role: role, DocumentID: claims.DocumentID}, nil
}
