package server

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/auth"
	"github.com/MarcoPoloResearchLab/lectern/internal/database"
	"github.com/MarcoPoloResearchLab/lectern/internal/segments"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type relayFixture struct {
	server   *httptest.Server
	issuer   *auth.TokenIssuer
	segments *segments.Service
	hub      *Hub
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), zap.NewNop(), database.RelaySchema())
	if err != nil {
		t.Fatalf("failed to open relay database: %v", err)
	}
	service, err := segments.NewService(segments.ServiceConfig{
		Database:   db,
		IDProvider: segments.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct segments service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "lectern-relay",
		Audience:      "lectern-classroom",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	hub := NewHub()
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Segments:     service,
		Hub:          hub,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &relayFixture{server: server, issuer: issuer, segments: service, hub: hub}
}
