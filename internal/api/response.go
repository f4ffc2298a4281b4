package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error 输出统一的错误体：{"error": true, "message": msg}。
func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": true, "message": msg})
}

// Success 输出统一的成功体，fields 会被合并到顶层。
func Success(c *gin.Context, status int, msg string, fields gin.H) {
	body := gin.H{"error": false, "message": msg}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(status, body)
}

func AbortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": "invalid token"})
}

func Unauthorized(c *gin.Context, msg string)    { Error(c, http.StatusUnauthorized, msg) }
func BadRequest(c *gin.Context, msg string)      { Error(c, http.StatusBadRequest, msg) }
func Forbidden(c *gin.Context, msg string)       { Error(c, http.StatusForbidden, msg) }
func NotFound(c *gin.Context, msg string)        { Error(c, http.StatusNotFound, msg) }
func Conflict(c *gin.Context, msg string)        { Error(c, http.StatusConflict, msg) }
func TooManyRequests(c *gin.Context, msg string) { Error(c, http.StatusTooManyRequests, msg) }
func Internal(c *gin.Context)                    { Error(c, http.StatusInternalServerError, "internal server error") }
