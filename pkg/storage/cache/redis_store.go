package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tilevault/pkg/storage"
	"tilevault/pkg/types"

	"github.com/redis/go-redis/v9"
)

// keyPrefix 是所有缓存 key 的前缀，防止与其他应用冲突
const keyPrefix = "tv:size:"

// CachedBackend 是一个装饰器，它为底层的 storage.Backend 添加 Redis 缓存层
// 只缓存对象大小 (读路径上 FileSize / IsFile 是最频繁的远程调用)，不缓存数据本身
type CachedBackend struct {
	storage.Backend               // 被装饰的底层存储 (如 S3)，其余方法直接透传
	client          *redis.Client // Redis 客户端
	ttl             time.Duration // 缓存过期时间 (例如 24h)
	logger          *slog.Logger
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	Logger   *slog.Logger
}

// NewCachedBackend 解析 URL 并做一次 fail-fast 连接检查
func NewCachedBackend(backend storage.Backend, cfg Config) (*CachedBackend, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newWithClient(backend, client, cfg), nil
}

func newWithClient(backend storage.Backend, client *redis.Client, cfg Config) *CachedBackend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedBackend{
		Backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		logger:  logger,
	}
}

// cacheKey 生成 Redis Key
func cacheKey(uri types.URI) string {
	return keyPrefix + uri.String()
}

// warn 缓存故障降级：Redis 挂了不应该让整个程序失败，退化为无缓存模式
func (c *CachedBackend) warn(op string, err error) {
	c.logger.Warn("redis error, falling back to backend",
		slog.String("op", op),
		slog.String("err", err.Error()),
	)
}

// FileSize 优先查 Redis
func (c *CachedBackend) FileSize(ctx context.Context, uri types.URI) (uint64, error) {
	key := cacheKey(uri)

	// 1. 查 Redis
	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if size, perr := strconv.ParseUint(val, 10, 64); perr == nil {
			return size, nil // Cache Hit
		}
	case err != redis.Nil:
		c.warn("get", err)
	}

	// 2. 缓存未命中，查底层存储
	size, err := c.Backend.FileSize(ctx, uri)
	if err != nil {
		return 0, err
	}

	// 3. 缓存回填
	// 使用 WithoutCancel 确保即使上层 ctx 取消，回填也能完成
	fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.client.Set(fillCtx, key, strconv.FormatUint(size, 10), c.ttl).Err(); err != nil {
		c.warn("set", err)
	}
	return size, nil
}

// IsFile 命中大小缓存即说明对象存在
func (c *CachedBackend) IsFile(ctx context.Context, uri types.URI) bool {
	n, err := c.client.Exists(ctx, cacheKey(uri)).Result()
	if err != nil {
		c.warn("exists", err)
	} else if n > 0 {
		return true
	}
	return c.Backend.IsFile(ctx, uri)
}

// invalidate 删除 uri 本身的缓存
func (c *CachedBackend) invalidate(ctx context.Context, uri types.URI) {
	if err := c.client.Del(context.WithoutCancel(ctx), cacheKey(uri)).Err(); err != nil {
		c.warn("del", err)
	}
}

// invalidateTree 删除 uri 及其下所有对象的缓存 (SCAN，不阻塞 Redis)
func (c *CachedBackend) invalidateTree(ctx context.Context, uri types.URI) {
	ctx = context.WithoutCancel(ctx)
	c.invalidate(ctx, uri)

	pattern := escapeGlob(cacheKey(uri)+"/") + "*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.warn("scan", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.warn("del", err)
	}
}

// 写路径：先穿透，再失效缓存

func (c *CachedBackend) AppendWrite(ctx context.Context, uri types.URI, data []byte) error {
	err := c.Backend.AppendWrite(ctx, uri, data)
	c.invalidate(ctx, uri)
	return err
}

func (c *CachedBackend) FlushFile(ctx context.Context, uri types.URI) error {
	err := c.Backend.FlushFile(ctx, uri)
	c.invalidate(ctx, uri)
	return err
}

func (c *CachedBackend) CreateFile(ctx context.Context, uri types.URI) error {
	err := c.Backend.CreateFile(ctx, uri)
	c.invalidate(ctx, uri)
	return err
}

func (c *CachedBackend) RemoveFile(ctx context.Context, uri types.URI) error {
	err := c.Backend.RemoveFile(ctx, uri)
	c.invalidate(ctx, uri)
	return err
}

func (c *CachedBackend) RemovePath(ctx context.Context, uri types.URI) error {
	err := c.Backend.RemovePath(ctx, uri)
	c.invalidateTree(ctx, uri)
	return err
}

func (c *CachedBackend) MovePath(ctx context.Context, oldURI, newURI types.URI) error {
	err := c.Backend.MovePath(ctx, oldURI, newURI)
	c.invalidateTree(ctx, oldURI)
	c.invalidateTree(ctx, newURI)
	return err
}

// Root 透传底层存储的根目录
func (c *CachedBackend) Root() types.URI {
	if r, ok := c.Backend.(storage.Rooted); ok {
		return r.Root()
	}
	return ""
}

// Close 先关闭底层存储 (提交写会话)，再关闭 Redis 连接
func (c *CachedBackend) Close(ctx context.Context) error {
	err := c.Backend.Close(ctx)
	if cerr := c.client.Close(); cerr != nil {
		c.warn("close", cerr)
	}
	return err
}

// escapeGlob 转义 Redis glob 模式中的特殊字符
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
