package api

import (
	"net/http"
	"strings"
	"time"

	contextx "github.com/blueplan/smartcare-go/internal/smartcare/context"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-ID"

// CORSMiddleware CORS中间件
type CORSMiddleware struct {
	origins []string
}

// NewCORSMiddleware 创建CORS中间件
func NewCORSMiddleware(origins []string) *CORSMiddleware {
	return &CORSMiddleware{origins: origins}
}

// CORS CORS中间件
func (cm *CORSMiddleware) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if cm.isOriginAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		} else if cm.allowsAny() {
			c.Header("Access-Control-Allow-Origin", "*")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		// 处理预检请求
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (cm *CORSMiddleware) allowsAny() bool {
	for _, o := range cm.origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// isOriginAllowed 检查origin是否允许，支持前缀或后缀通配
func (cm *CORSMiddleware) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range cm.origins {
		switch {
		case allowed == "*" || allowed == origin:
			return true
		case strings.HasPrefix(allowed, "*") && strings.HasSuffix(origin, allowed[1:]):
			return true
		case strings.HasSuffix(allowed, "*") && strings.HasPrefix(origin, allowed[:len(allowed)-1]):
			return true
		}
	}
	return false
}

// RequestID 透传或生成请求ID，并放入请求上下文
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)
		c.Request = c.Request.WithContext(contextx.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}

// LogRequest 请求日志中间件
func LogRequest(logger *logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logx.Field{
			logx.KV("method", c.Request.Method),
			logx.KV("path", c.FullPath()),
			logx.KV("status", c.Writer.Status()),
			logx.KV("latency_ms", time.Since(start).Milliseconds()),
			logx.KV("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.KV("error", c.Errors.String()))
			logger.Warn(c.Request.Context(), "HTTP请求", fields...)
			return
		}
		logger.Info(c.Request.Context(), "HTTP请求", fields...)
	}
}
