package auth

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesClassroomTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), ClassroomClaims{
		Subject:    "assistant-1",
		Role:       livesync.RoleAssistant,
		DocumentID: "7",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &classroomJWTClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "assistant-1" || claims.Role != "assistant" || claims.DocumentID != "7" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != "lectern-relay" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "lectern-classroom" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: nil,
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
		TokenTTL:      30 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueToken(context.Background(), ClassroomClaims{Subject: "student-9", Role: livesync.RoleStudent})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "student-9" || claims.Role != livesync.RoleStudent {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.Allows("any-document") {
		t.Fatalf("expected unscoped token to allow every document")
	}

	_, err = issuer.ValidateToken("invalid.token")
	if err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return clock() },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueToken(context.Background(), ClassroomClaims{Subject: "s", Role: livesync.RoleStudent, DocumentID: "7"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	clock = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestTokenIssuerRejectsUnknownRole(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueToken(context.Background(), ClassroomClaims{Subject: "s", Role: "professor"}); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestClassroomClaimsAllows(t *testing.T) {
	claims := ClassroomClaims{DocumentID: "7"}
	if !claims.Allows("7") || claims.Allows("8") {
		t.Fatalf("expected scoped token to allow only its document")
	}
}

func TestNewTokenIssuerRequiresIssuerAndAudience(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "",
		Audience:      "lectern-classroom",
		TokenTTL:      5 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for missing issuer")
	}

	_, err = NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "lectern-relay",
		Audience:      " ",
		TokenTTL:      5 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for missing audience")
	}
}

func TestNewTokenIssuerRejectsNegativeTTL(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
		TokenTTL:      -time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}
