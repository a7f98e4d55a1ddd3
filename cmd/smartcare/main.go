package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/api"
	"github.com/blueplan/smartcare-go/internal/smartcare/catalog"
	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	"github.com/blueplan/smartcare-go/internal/smartcare/engine"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm/mock"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm/openai"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/mail"
	"github.com/blueplan/smartcare-go/internal/smartcare/pool"
	"github.com/blueplan/smartcare-go/internal/smartcare/prompt"
	"github.com/blueplan/smartcare-go/internal/smartcare/service"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/blueplan/smartcare-go/internal/smartcare/tokens"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run 返回后所有资源都已释放，这里退出不会跳过清理
	if err := run(ctx, cfg); err != nil {
		stop()
		log.Fatalf("smartcare: %v", err)
	}
}

// run serves until ctx is cancelled or the server fails. Every resource it opens is
// closed before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	// Initialize logger
	logger, err := logx.NewWithFileRotation(cfg.App.LogLevel, cfg.App.LogFormat, cfg.App.LogFile)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Close()

	logger.Info(ctx, "Starting smartcare service",
		logx.KV("version", cfg.App.Version),
		logx.KV("environment", cfg.App.Environment),
		logx.KV("model", cfg.LLM.Model))

	// 产品资料加载失败时不能提供服务
	cat, err := catalog.LoadFile(cfg.Catalog.Path, cfg.Catalog.Sheet)
	if err != nil {
		var le *catalog.LoadError
		if errors.As(err, &le) {
			logger.Error(ctx, "初始化數據時發生錯誤", logx.KV("path", le.Path), logx.KV("error", le.Err))
		}
		return err
	}
	logger.Info(ctx, "產品資料載入完成",
		logx.KV("products", cat.Len()), logx.KV("categories", len(cat.Categories())))

	provider, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("initialize LLM provider: %w", err)
	}

	// 清理协程随 run 一起退出
	ctx, cancelJanitor := context.WithCancel(ctx)
	defer cancelJanitor()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	meter := tokens.NewMeter(cfg.LLM.Model, cfg.LLM.InputRate, cfg.LLM.OutputRate, logger)
	eng := engine.New(engine.ConfigFrom(cfg), cat, provider, meter,
		engine.WithBuilder(prompt.Builder{MaxRecordsPerCategory: cfg.Session.MaxRecordsPerCategory}),
		engine.WithLogger(logger))

	mailer := mail.NewSMTPSender(cfg.Mail, logger)
	if !mailer.Enabled() {
		logger.Warn(ctx, "郵件功能未設定，寄送將回報設定錯誤")
	}

	svc := service.New(eng, st.sessions, mailer, st.ledger, cfg.Mail.Subject, logger)
	router := api.NewRouter(cfg, logger, svc, st.pools)

	serverAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	serveErr := make(chan error, 1)
	go func() { serveErr <- router.Start(serverAddr) }()
	logger.Info(ctx, "smartcare service started", logx.KV("address", serverAddr))

	// Wait for interrupt signal or server failure
	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error(ctx, "Failed to start server", logx.KV("error", err))
			return fmt.Errorf("serve %s: %w", serverAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down smartcare service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := router.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Error shutting down API server", logx.KV("error", err))
	}
	if total, err := st.ledger.Total(shutdownCtx); err == nil {
		logger.Info(shutdownCtx, "累計用量",
			logx.KV("calls", total.Calls), logx.KV("tokens", total.TotalTokens()), logx.KV("cost", total.Cost))
	}
	logger.Info(shutdownCtx, "smartcare service stopped")
	return nil
}

// stores 会话存储、用量账本以及需要关闭的底层连接
type stores struct {
	sessions session.Store
	ledger   tokens.Accumulator
	pools    pool.Manager
	closers  []func() error
}

func (s *stores) close(logger *logx.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Error(context.Background(), "Error closing session store", logx.KV("error", err))
		}
	}
	s.closers = nil
}

// openStores builds the session store and ledger selected by session.store_type.
// On error nothing is left open.
func openStores(ctx context.Context, cfg *config.Config, logger *logx.Logger) (*stores, error) {
	s := &stores{}
	switch cfg.Session.StoreType {
	case "redis":
		pm := pool.NewPoolManager(&cfg.Memory, logger)
		sessClient, err := pm.GetRedisClient(ctx, pool.PoolSessions)
		if err != nil {
			pm.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		tokClient, err := pm.GetRedisClient(ctx, pool.PoolTokens)
		if err != nil {
			pm.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.sessions = session.NewRedisStore(sessClient, cfg.Session.SessionTTL())
		s.ledger = tokens.NewRedis(tokClient, cfg.Session.SessionTTL())
		s.pools = pm
		s.closers = append(s.closers, pm.Close)
	case "sqlite":
		sq, err := session.NewSQLiteStore(cfg.Session.SQLitePath, cfg.Session.SessionTTL())
		if err != nil {
			return nil, fmt.Errorf("open sqlite session store: %w", err)
		}
		sq.StartJanitor(ctx, 10*time.Minute)
		s.sessions = sq
		s.ledger = tokens.NewInmem()
		s.closers = append(s.closers, sq.Close)
	default:
		mem := session.NewMemoryStore(cfg.Session.SessionTTL())
		mem.StartJanitor(ctx, 10*time.Minute)
		s.sessions = mem
		s.ledger = tokens.NewInmem()
	}
	return s, nil
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.New(cfg.LLM, nil), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
