package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/isopen-io/meeshy-sync/config"

	"github.com/redis/go-redis/v9"
)

// Client Redis客户端包装
// 显式构造并注入到需要它的服务中，不使用包级单例
type Client struct {
	rdb *redis.Client
	ctx context.Context
}

// NewClient 初始化Redis连接
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		// 连接池配置
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx := context.Background()

	// 测试连接
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis连接失败: %w", err)
	}

	return &Client{rdb: rdb, ctx: ctx}, nil
}

// Raw 获取底层Redis客户端
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close 关闭Redis连接
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck 检查Redis健康状态
func (c *Client) HealthCheck() error {
	if _, err := c.rdb.Ping(c.ctx).Result(); err != nil {
		return fmt.Errorf("redis连接异常: %w", err)
	}
	return nil
}

// Set 设置键值对
func (c *Client) Set(key string, value interface{}, expiration time.Duration) error {
	return c.rdb.Set(c.ctx, key, value, expiration).Err()
}

// Get 获取值
func (c *Client) Get(key string) (string, error) {
	return c.rdb.Get(c.ctx, key).Result()
}

// Del 删除键
func (c *Client) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(c.ctx, keys...).Err()
}

// Exists 检查键是否存在
func (c *Client) Exists(keys ...string) (int64, error) {
	return c.rdb.Exists(c.ctx, keys...).Result()
}

// SetNX 不存在时设置（用于抢占式去重）
func (c *Client) SetNX(key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.rdb.SetNX(c.ctx, key, value, expiration).Result()
}

// Expire 设置过期时间
func (c *Client) Expire(key string, expiration time.Duration) error {
	return c.rdb.Expire(c.ctx, key, expiration).Err()
}

// ScanKeys 非阻塞遍历匹配的键
func (c *Client) ScanKeys(pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		ks, next, err := c.rdb.Scan(c.ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("遍历key失败: %w", err)
		}
		keys = append(keys, ks...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
