package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
)

// 问答路径的错误响应统一为 {"error": message}; 审计查询沿用 {success, data} 信封。

func writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Warn("relay-server: request failed",
			logger.FieldStatus, status,
			logger.FieldError, err)
	}
	c.JSON(status, gin.H{"error": apperrors.PublicMessage(err)})
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func unavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": gin.H{"code": "unavailable", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.FieldError, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}
