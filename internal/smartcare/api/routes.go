package api

import (
	"context"
	"net/http"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/pool"
	"github.com/blueplan/smartcare-go/internal/smartcare/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Router API路由器
type Router struct {
	engine   *gin.Engine
	config   *config.Config
	logger   *logx.Logger
	svc      *service.Service
	pools    pool.Manager
	upgrader websocket.Upgrader
	pongWait time.Duration
	started  time.Time
	srv      *http.Server
}

// NewRouter 创建新的路由器，pools 为空时跳过Redis健康检查
func NewRouter(cfg *config.Config, logger *logx.Logger, svc *service.Service, pools pool.Manager) *Router {
	// 设置Gin模式
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	cors := NewCORSMiddleware(cfg.API.CORSOrigins)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(LogRequest(logger))
	engine.Use(cors.CORS())

	r := &Router{
		engine:   engine,
		config:   cfg,
		logger:   logger,
		svc:      svc,
		pools:    pools,
		pongWait: defaultPongWait,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(req *http.Request) bool {
				origin := req.Header.Get("Origin")
				return origin == "" || cors.allowsAny() || cors.isOriginAllowed(origin)
			},
		},
	}
	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.handleHealth)
	r.engine.GET("/ping", r.handlePing)

	v1 := r.engine.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", r.handleCreateSession)
			sessions.GET("/:id", r.handleGetSession)
			sessions.DELETE("/:id", r.handleDeleteSession)
			sessions.POST("/:id/messages", r.handleSubmit)
			sessions.POST("/:id/reset", r.handleReset)
			sessions.POST("/:id/email", r.handleEmail)
			sessions.GET("/:id/ws", r.handleWebSocket)
		}

		v1.GET("/categories", r.handleCategories)
		v1.GET("/usage", r.handleUsage)
	}
}

// Handler 返回HTTP处理器，便于测试
func (r *Router) Handler() http.Handler { return r.engine }

// Start 启动HTTP服务，阻塞直到服务关闭
func (r *Router) Start(addr string) error {
	r.srv = &http.Server{
		Addr:              addr,
		Handler:           r.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.logger.Info(context.Background(), "http.server.start", logx.KV("addr", addr))
	if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (r *Router) Stop(ctx context.Context) error {
	if r.srv == nil {
		return nil
	}
	return r.srv.Shutdown(ctx)
}
