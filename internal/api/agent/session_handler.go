package agentapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"accessgate/internal/api/response"
	"accessgate/internal/service"
	cryptoutil "accessgate/pkg/crypto"
)

// SessionHandler exposes the session ledger to gateway servers. Every
// route authenticates the calling server with an HMAC token.
type SessionHandler struct {
	ledger *service.LedgerService
	secret string
}

type usageRequest struct {
	SentTraffic     int64 `json:"sent_traffic"`
	ReceivedTraffic int64 `json:"received_traffic"`
	CloseSession    bool  `json:"close_session"`
}

func NewSessionHandler(ledger *service.LedgerService, secret string) *SessionHandler {
	return &SessionHandler{
		ledger: ledger,
		secret: strings.TrimSpace(secret),
	}
}

func RegisterSessionRoutes(router gin.IRoutes, ledger *service.LedgerService, secret string) {
	handler := NewSessionHandler(ledger, secret)
	router.POST("/api/agent/sessions", handler.Create)
	router.GET("/api/agent/sessions/:id", handler.Get)
	router.POST("/api/agent/sessions/:id/usage", handler.AddUsage)
}

func (h *SessionHandler) Create(c *gin.Context) {
	if _, ok := authorizeServer(c, h.secret); !ok {
		return
	}

	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid request")
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = c.ClientIP()
	}

	result, err := h.ledger.CreateSession(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "create session failed")
		return
	}

	response.Success(c, result)
}

func (h *SessionHandler) Get(c *gin.Context) {
	if _, ok := authorizeServer(c, h.secret); !ok {
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrSessionNotFound, "invalid session id")
		return
	}

	result, err := h.ledger.GetSession(c.Request.Context(), sessionID, c.Query("host_end_point"))
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "get session failed")
		return
	}

	response.Success(c, result)
}

func (h *SessionHandler) AddUsage(c *gin.Context) {
	if _, ok := authorizeServer(c, h.secret); !ok {
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrSessionNotFound, "invalid session id")
		return
	}

	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid request")
		return
	}

	result, err := h.ledger.AddUsage(c.Request.Context(), sessionID, req.SentTraffic, req.ReceivedTraffic, req.CloseSession)
	if err != nil {
		if errors.Is(err, service.ErrInvalidLedgerInput) {
			response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid request")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "add usage failed")
		return
	}

	response.Success(c, result)
}

func authorizeServer(c *gin.Context, secret string) (uuid.UUID, bool) {
	serverID := strings.TrimSpace(c.GetHeader("X-Server-ID"))
	serverToken := strings.TrimSpace(c.GetHeader("X-Server-Token"))
	if serverID == "" || serverToken == "" {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return uuid.Nil, false
	}

	if !cryptoutil.VerifyServerHMACToken(serverID, serverToken, secret) {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(serverID)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return id, true
}
