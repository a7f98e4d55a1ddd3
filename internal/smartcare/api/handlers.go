package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/engine"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/gin-gonic/gin"
)

// SubmitRequest 提交消息请求
type SubmitRequest struct {
	Message string `json:"message" binding:"required"`
}

// EmailRequest 寄送推荐请求
type EmailRequest struct {
	Email string `json:"email"`
}

// EmailResult 寄送结果
type EmailResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (r *Router) handleHealth(c *gin.Context) {
	data := gin.H{
		"status":     "healthy",
		"service":    r.config.App.Name,
		"version":    r.config.App.Version,
		"uptime_sec": int64(time.Since(r.started).Seconds()),
		"categories": len(r.svc.Categories()),
	}
	if r.pools != nil {
		health, err := r.pools.HealthCheck(c.Request.Context())
		if err != nil || health["overall_status"] != "healthy" {
			data["status"] = "degraded"
		}
		data["redis"] = health
	}
	SuccessResponse(c, data)
}

func (r *Router) handlePing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (r *Router) handleCreateSession(c *gin.Context) {
	v, err := r.svc.Create(c.Request.Context())
	if err != nil {
		InternalServerErrorResponse(c, "创建会话失败", err)
		return
	}
	SuccessResponse(c, v)
}

func (r *Router) handleGetSession(c *gin.Context) {
	v, err := r.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.sessionError(c, err)
		return
	}
	SuccessResponse(c, v)
}

func (r *Router) handleDeleteSession(c *gin.Context) {
	if err := r.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		r.sessionError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"deleted": c.Param("id")})
}

func (r *Router) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "请求参数错误", err)
		return
	}
	reply, err := r.svc.Submit(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		r.sessionError(c, err)
		return
	}
	SuccessResponse(c, reply)
}

func (r *Router) handleReset(c *gin.Context) {
	v, err := r.svc.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.sessionError(c, err)
		return
	}
	SuccessResponse(c, v)
}

func (r *Router) handleEmail(c *gin.Context) {
	var req EmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "请求参数错误", err)
		return
	}
	st, err := r.svc.Email(c.Request.Context(), c.Param("id"), req.Email)
	if err != nil {
		r.sessionError(c, err)
		return
	}
	SuccessResponse(c, EmailResult{OK: st.OK, Message: st.Message})
}

func (r *Router) handleCategories(c *gin.Context) {
	SuccessResponse(c, r.svc.Categories())
}

func (r *Router) handleUsage(c *gin.Context) {
	total, err := r.svc.Usage(c.Request.Context())
	if err != nil {
		InternalServerErrorResponse(c, "获取用量失败", err)
		return
	}
	SuccessResponse(c, total)
}

// sessionError 将领域错误映射为HTTP状态
func (r *Router) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		NotFoundResponse(c, "会话不存在")
	case errors.Is(err, engine.ErrEmptyInput):
		BadRequestResponse(c, "消息不能为空", err)
	default:
		InternalServerErrorResponse(c, "处理请求失败", err)
	}
}
