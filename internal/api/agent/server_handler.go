package agentapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"accessgate/internal/api/response"
	"accessgate/internal/service"
)

type ServerHandler struct {
	servers *service.ServerService
	secret  string
}

func NewServerHandler(servers *service.ServerService, secret string) *ServerHandler {
	return &ServerHandler{
		servers: servers,
		secret:  strings.TrimSpace(secret),
	}
}

func RegisterServerRoutes(router gin.IRoutes, servers *service.ServerService, secret string) {
	handler := NewServerHandler(servers, secret)
	router.POST("/api/agent/servers/configure", handler.Configure)
	router.POST("/api/agent/servers/status", handler.UpdateStatus)
}

func (h *ServerHandler) Configure(c *gin.Context) {
	serverID, ok := authorizeServer(c, h.secret)
	if !ok {
		return
	}

	var req service.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid request")
		return
	}

	result, err := h.servers.Configure(c.Request.Context(), serverID, req)
	if err != nil {
		if errors.Is(err, service.ErrServerNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrServerNotFound, "server not found")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "configure failed")
		return
	}

	response.Success(c, result)
}

func (h *ServerHandler) UpdateStatus(c *gin.Context) {
	serverID, ok := authorizeServer(c, h.secret)
	if !ok {
		return
	}

	var req service.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid request")
		return
	}

	result, err := h.servers.UpdateStatus(c.Request.Context(), serverID, req)
	if err != nil {
		if errors.Is(err, service.ErrServerNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrServerNotFound, "server not found")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "status update failed")
		return
	}

	response.Success(c, result)
}
