package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/auth"
	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/MarcoPoloResearchLab/lectern/internal/segments"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "lectern_claims"
	defaultMaxUploadBytes = 64 << 20
	socketWriteTimeout    = 10 * time.Second
	socketReadLimit       = 1 << 20
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingSegmentsService = errors.New("segments service dependency required")
	errMissingHub             = errors.New("live sync hub dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenManager validates classroom access tokens.
type TokenManager interface {
	ValidateToken(token string) (auth.ClassroomClaims, error)
}

// Dependencies wires the relay's HTTP surface.
type Dependencies struct {
	TokenManager   TokenManager
	Segments       *segments.Service
	Hub            *Hub
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// NewHTTPHandler builds the relay router: the live sync socket and the
// speech segment endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Segments == nil {
		return nil, errMissingSegmentsService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:         deps.TokenManager,
		segments:       deps.Segments,
		hub:            deps.Hub,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.HEAD("/healthz", handler.handleHealth)
	router.GET("/ws/doc/:documentId/", handler.handleLiveSync)

	speech := router.Group("/class/speech")
	speech.Use(handler.authorizeRequest)
	speech.POST("/:pageId/", handler.handleSpeechUpload)
	speech.GET("/:pageId/", handler.handleSpeechList)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens         TokenManager
	segments       *segments.Service
	hub            *Hub
	logger         *zap.Logger
	maxUploadBytes int64
	upgrader       websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type segmentResponsePayload struct {
	SegmentID string `json:"segment_id"`
	PageID    string `json:"page_id"`
	Timestamp string `json:"timestamp"`
	SizeBytes int64  `json:"size_bytes"`
	Duplicate bool   `json:"duplicate"`
}

type segmentListPayload struct {
	Segments []segmentResponsePayload `json:"segments"`
}

func (h *httpHandler) handleSpeechUpload(c *gin.Context) {
	claims := c.MustGet(claimsContextKey).(auth.ClassroomClaims)

	pageID, err := segments.NewPageID(c.Param("pageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	if !h.pageAllowed(c, claims, pageID) {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	timestamp, err := segments.NewTimestamp(c.PostForm("timestamp"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
		return
	}
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_audio"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_audio"})
		return
	}
	audio, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_audio"})
		return
	}

	outcome, err := h.segments.Ingest(c.Request.Context(), segments.IngestRequest{
		PageID:    pageID,
		Timestamp: timestamp,
		Subject:   claims.Subject,
		MimeType:  fileHeader.Header.Get("Content-Type"),
		Filename:  fileHeader.Filename,
		Audio:     audio,
		ViaBeacon: c.Query("beacon") == "1",
	})
	if errors.Is(err, segments.ErrEmptyAudio) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_audio"})
		return
	}
	if err != nil {
		h.logger.Error("failed to ingest speech segment", zap.String("page_id", pageID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}

	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, toSegmentPayload(outcome.Segment, outcome.Duplicate))
}

func (h *httpHandler) handleSpeechList(c *gin.Context) {
	claims := c.MustGet(claimsContextKey).(auth.ClassroomClaims)
	pageID, err := segments.NewPageID(c.Param("pageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	if !h.pageAllowed(c, claims, pageID) {
		return
	}
	stored, err := h.segments.ListForPage(c.Request.Context(), pageID)
	if err != nil {
		h.logger.Error("failed to list speech segments", zap.String("page_id", pageID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := segmentListPayload{Segments: make([]segmentResponsePayload, 0, len(stored))}
	for _, segment := range stored {
		response.Segments = append(response.Segments, toSegmentPayload(segment, false))
	}
	c.JSON(http.StatusOK, response)
}

// pageAllowed aborts with 403 unless claims cover the document owning pageID.
// Document-scoped tokens only reach pages named "<documentId>-<page>".
func (h *httpHandler) pageAllowed(c *gin.Context, claims auth.ClassroomClaims, pageID segments.PageID) bool {
	if claims.DocumentID == "" {
		return true
	}
	documentID, ok := pageID.DocumentID()
	if ok && claims.Allows(documentID) {
		return true
	}
	h.logger.Info("speech page denied",
		zap.String("subject", claims.Subject),
		zap.String("page_id", pageID.String()))
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": auth.ErrDocumentNotAllowed.Error()})
	return false
}

func toSegmentPayload(segment segments.SpeechSegment, duplicate bool) segmentResponsePayload {
	return segmentResponsePayload{
		SegmentID: segment.SegmentID,
		PageID:    segment.PageID,
		Timestamp: segment.Timestamp,
		SizeBytes: segment.SizeBytes,
		Duplicate: duplicate,
	}
}

func (h *httpHandler) handleLiveSync(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("documentId"))
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return
	}
	claims, ok := h.validate(c, c.Query("token"))
	if !ok {
		return
	}
	if !claims.Allows(documentID) {
		h.logger.Info("live sync document denied",
			zap.String("subject", claims.Subject),
			zap.String("document_id", documentID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": auth.ErrDocumentNotAllowed.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("live sync upgrade failed", zap.Error(err))
		return
	}
	h.serveMember(c.Request.Context(), conn, documentID, claims)
}

func (h *httpHandler) serveMember(ctx context.Context, conn *websocket.Conn, documentID string, claims auth.ClassroomClaims) {
	logger := h.logger.With(
		zap.String("document_id", documentID),
		zap.String("subject", claims.Subject),
		zap.String("role", string(claims.Role)))

	memberCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	memberID, frames, leave := h.hub.Join(memberCtx, documentID)
	defer leave()
	logger.Info("live sync member joined", zap.Int("members", h.hub.Members(documentID)))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-memberCtx.Done():
				return
			case frame := <-frames:
				_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					logger.Debug("live sync write failed", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	if claims.Role == livesync.RoleStudent {
		if frame, err := json.Marshal(livesync.ForceMoveRequestMessage()); err == nil {
			h.hub.Publish(documentID, memberID, frame)
		}
	}

	conn.SetReadLimit(socketReadLimit)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("live sync member dropped", zap.Error(err))
			}
			break
		}
		message, ok := livesync.ParseMessage(raw)
		if !ok {
			logger.Debug("live sync frame dropped", zap.Int("size_bytes", len(raw)))
			continue
		}
		if message.Type == livesync.MessageTypePing {
			continue
		}
		h.hub.Publish(documentID, memberID, raw)
	}

	cancel()
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
	logger.Info("live sync member left")
}

// authorizeRequest accepts a Bearer header, or a token query parameter on
// beacon deliveries, which cannot carry headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "" && c.Query("beacon") == "1":
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, ok := h.validate(c, token)
	if !ok {
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) validate(c *gin.Context, token string) (auth.ClassroomClaims, bool) {
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return auth.ClassroomClaims{}, false
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.ClassroomClaims{}, false
	}
	return claims, true
}
