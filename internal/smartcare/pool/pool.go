package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/redis/go-redis/v9"
)

// 连接池类型
const (
	PoolSessions = "sessions"
	PoolTokens   = "tokens"
)

// Manager 连接池管理器接口
type Manager interface {
	// 获取Redis客户端，首次获取时建立连接
	GetRedisClient(ctx context.Context, poolType string) (*redis.Client, error)

	// 健康检查
	HealthCheck(ctx context.Context) (map[string]interface{}, error)

	// 获取连接池统计信息
	GetPoolStats() PoolStats

	// 关闭连接池
	Close() error
}

// PoolManager 连接池管理器实现
type PoolManager struct {
	redisPools map[string]*redis.Client
	config     *config.MemoryConfig
	logger     *logx.Logger
	mu         sync.RWMutex

	requests atomic.Int64
	failures atomic.Int64
	since    time.Time
}

// PoolStats 连接池统计信息
type PoolStats struct {
	RedisRequests int64     `json:"redis_requests"`
	RedisFailures int64     `json:"redis_failures"`
	ActivePools   []string  `json:"active_pools"`
	Since         time.Time `json:"since"`
}

// NewPoolManager 创建新的连接池管理器
func NewPoolManager(cfg *config.MemoryConfig, logger *logx.Logger) *PoolManager {
	pm := &PoolManager{
		redisPools: make(map[string]*redis.Client),
		config:     cfg,
		logger:     logger,
		since:      time.Now(),
	}
	pm.logger.Info(context.Background(), "连接池管理器初始化完成",
		logx.KV("redis_addr", pm.addr()))
	return pm
}

func (pm *PoolManager) addr() string {
	return fmt.Sprintf("%s:%d", pm.config.RedisHost, pm.config.RedisPort)
}

// GetRedisClient 获取Redis客户端
func (pm *PoolManager) GetRedisClient(ctx context.Context, poolType string) (*redis.Client, error) {
	pm.requests.Add(1)

	pm.mu.RLock()
	client, exists := pm.redisPools[poolType]
	pm.mu.RUnlock()
	if exists {
		return client, nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	// 双重检查
	if client, exists := pm.redisPools[poolType]; exists {
		return client, nil
	}

	client, err := pm.createRedisPool(ctx, poolType)
	if err != nil {
		pm.failures.Add(1)
		return nil, fmt.Errorf("创建Redis连接池失败 (pool_type=%s): %w", poolType, err)
	}
	pm.redisPools[poolType] = client

	pm.logger.Info(ctx, "创建新的Redis连接池", logx.KV("pool_type", poolType))
	return client, nil
}

func (pm *PoolManager) createRedisPool(ctx context.Context, poolType string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         pm.addr(),
		Password:     pm.config.RedisPassword,
		DB:           pm.config.RedisDB,
		PoolSize:     pm.getMaxConnectionsForPoolType(poolType),
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis连接测试失败: %w", err)
	}
	return client, nil
}

// getMaxConnectionsForPoolType 会话读写比用量累计更频繁
func (pm *PoolManager) getMaxConnectionsForPoolType(poolType string) int {
	switch poolType {
	case PoolSessions:
		return 100
	case PoolTokens:
		return 50
	default:
		return 20
	}
}

// GetPoolStats 获取连接池统计信息
func (pm *PoolManager) GetPoolStats() PoolStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	types := make([]string, 0, len(pm.redisPools))
	for poolType := range pm.redisPools {
		types = append(types, poolType)
	}
	sort.Strings(types)

	return PoolStats{
		RedisRequests: pm.requests.Load(),
		RedisFailures: pm.failures.Load(),
		ActivePools:   types,
		Since:         pm.since,
	}
}

// HealthCheck 健康检查
func (pm *PoolManager) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	pools := make(map[string]interface{}, len(pm.redisPools))
	health := map[string]interface{}{
		"overall_status": "healthy",
		"pools":          pools,
	}

	allHealthy := true
	for poolType, client := range pm.redisPools {
		poolHealth := map[string]interface{}{}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			poolHealth["status"] = "unhealthy"
			poolHealth["error"] = err.Error()
			allHealthy = false
		} else {
			poolHealth["status"] = "healthy"
			s := client.PoolStats()
			poolHealth["stats"] = map[string]interface{}{
				"total_conns": s.TotalConns,
				"idle_conns":  s.IdleConns,
				"hits":        s.Hits,
				"misses":      s.Misses,
			}
		}
		cancel()

		pools[poolType] = poolHealth
	}

	if !allHealthy {
		health["overall_status"] = "degraded"
	}
	return health, nil
}

// Close 关闭连接池
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var lastErr error
	for poolType, client := range pm.redisPools {
		if err := client.Close(); err != nil {
			pm.logger.Error(context.Background(), "关闭连接池失败", logx.KV("pool_type", poolType), logx.KV("error", err))
			lastErr = err
		}
	}
	pm.redisPools = make(map[string]*redis.Client)
	pm.logger.Info(context.Background(), "所有连接池已关闭")
	return lastErr
}
