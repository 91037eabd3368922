package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	agentapi "accessgate/internal/api/agent"
	"accessgate/internal/service"
)

// RegisterAgentRoutes mounts the gateway-server facing endpoints. All of
// them authenticate with the per-server HMAC token.
func RegisterAgentRoutes(
	router gin.IRoutes,
	ledger *service.LedgerService,
	servers *service.ServerService,
	serverHMACSecret string,
) {
	secret := strings.TrimSpace(serverHMACSecret)
	if ledger != nil {
		agentapi.RegisterSessionRoutes(router, ledger, secret)
	}
	if servers != nil {
		agentapi.RegisterServerRoutes(router, servers, secret)
	}
}
