package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey  = "coedit_identity"
	defaultRealtimePath = "/ws"
)

var (
	errMissingSessions      = errors.New("session manager dependency required")
	errMissingDocuments     = errors.New("document registry dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingTokenSource   = errors.New("token source dependency required")
	errMissingAccessChecker = errors.New("access checker dependency required")
	errInvalidAuthorization = errors.New("session token missing or invalid")

	requestValidator = validator.New(validator.WithRequiredStructEnabled())
)

// TokenSource extracts the session token presented with a request.
type TokenSource interface {
	TokenFromRequest(r *http.Request) string
}

type Dependencies struct {
	Sessions       *session.Manager
	Documents      *document.Registry
	Authenticator  session.Authenticator
	Tokens         TokenSource
	Access         session.AccessChecker
	Transport      session.TransportConfig
	RealtimePath   string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenSource
	}
	if deps.Access == nil {
		return nil, errMissingAccessChecker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtimePath := strings.TrimSpace(deps.RealtimePath)
	if realtimePath == "" {
		realtimePath = defaultRealtimePath
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		documents: deps.Documents,
		auth:      deps.Authenticator,
		tokens:    deps.Tokens,
		access:    deps.Access,
		transport: deps.Transport,
		upgrader:  newUpgrader(deps.AllowedOrigins),
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET(realtimePath, handler.handleRealtime)

	protected := router.Group("/documents")
	protected.Use(handler.authorizeRequest)
	protected.GET("/:id", handler.handleGetDocument)
	protected.POST("/:id", handler.handleInitializeDocument)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if allowsAnyOrigin(allowedOrigins) {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return upgrader
}

type httpHandler struct {
	sessions  *session.Manager
	documents *document.Registry
	auth      session.Authenticator
	tokens    TokenSource
	access    session.AccessChecker
	transport session.TransportConfig
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

type healthResponsePayload struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Documents   int    `json:"documents"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:      "ok",
		Connections: len(h.sessions.Connections()),
		Documents:   h.documents.Len(),
	})
}

// handleRealtime upgrades first and authenticates afterwards so a rejected
// client learns why through the protocol's ERROR message and close code.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	token := h.tokens.TokenFromRequest(c.Request)
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.sessions.ServeWebsocket(c.Request.Context(), socket, token, h.transport)
}

type documentResponsePayload struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}

type initializeRequestPayload struct {
	Content string `json:"content" validate:"max=10485760"`
	Version *int64 `json:"version" validate:"omitempty,gte=0"`
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.authorizeDocument(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	worker, err := h.documents.Acquire(ctx, documentID)
	if err != nil {
		h.logger.Error("document load failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document_unavailable"})
		return
	}
	defer h.documents.Release(documentID)

	snapshot, err := worker.Snapshot(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document_unavailable"})
		return
	}
	c.JSON(http.StatusOK, documentResponsePayload{
		DocumentID: snapshot.DocumentID,
		Content:    snapshot.Content,
		Version:    snapshot.Version,
	})
}

func (h *httpHandler) handleInitializeDocument(c *gin.Context) {
	documentID, ok := h.authorizeDocument(c)
	if !ok {
		return
	}
	var request initializeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := requestValidator.Struct(request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version := int64(0)
	if request.Version != nil {
		version = *request.Version
	}

	if err := h.sessions.ResetDocument(c.Request.Context(), documentID, request.Content, version); err != nil {
		h.logger.Error("document initialization failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document_unavailable"})
		return
	}
	identity := c.MustGet(identityContextKey).(session.Identity)
	h.logger.Info("document initialized",
		zap.String("document_id", documentID),
		zap.String("user_id", identity.UserID),
		zap.Int64("version", version))
	c.JSON(http.StatusCreated, documentResponsePayload{
		DocumentID: documentID,
		Content:    request.Content,
		Version:    version,
	})
}

// authorizeDocument resolves the :id parameter and checks the caller may use it.
func (h *httpHandler) authorizeDocument(c *gin.Context) (string, bool) {
	documentID := strings.TrimSpace(c.Param("id"))
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	identity := c.MustGet(identityContextKey).(session.Identity)
	allowed, err := h.access.CheckAccess(c.Request.Context(), documentID, identity.UserID)
	if err != nil {
		h.logger.Error("access check failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
		return "", false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.tokens.TokenFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	identity, err := h.auth.Verify(ctx, token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}
