// Package response defines the JSON envelope shared by every agent route.
// The code field is an application code, independent of the HTTP status.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const CodeSuccess = 0

// Application error codes. 1xxxx auth, 2xxxx ledger, 3xxxx gateway
// servers, 9xxxx system.
const (
	ErrUnauthorized      = 10001
	ErrForbidden         = 10003
	ErrTokenNotFound     = 20001
	ErrSessionNotFound   = 20002
	ErrDeviceLocked      = 20003
	ErrServerNotFound    = 30001
	ErrSystemMaintenance = 90001
	ErrInternal          = 99999
)

type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: CodeSuccess, Message: "success", Data: data})
}

func Fail(c *gin.Context, httpStatus, appCode int, message string) {
	c.JSON(httpStatus, Response{Code: appCode, Message: message})
}
