package cache

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"tilevault/pkg/storage"
	"tilevault/pkg/storage/disk"
	"tilevault/pkg/types"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. SpyBackend (间谍存储)
// 用于统计底层方法被调用的次数，验证请求是否穿透了缓存
// -----------------------------------------------------------------------------
type SpyBackend struct {
	storage.Backend
	sizeCount int32
}

func (s *SpyBackend) FileSize(ctx context.Context, uri types.URI) (uint64, error) {
	atomic.AddInt32(&s.sizeCount, 1) // 记录调用次数
	return s.Backend.FileSize(ctx, uri)
}

func newSpy(t *testing.T) (*SpyBackend, types.URI) {
	t.Helper()
	d, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	return &SpyBackend{Backend: d}, d.Root()
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `tv:size:s3://b/a\[1\]\*`, escapeGlob("tv:size:s3://b/a[1]*"))
	assert.Equal(t, "plain", escapeGlob("plain"))
}

// Redis 不可用时退化为直接访问底层存储
func TestCachedBackend_DegradesWithoutRedis(t *testing.T) {
	spy, root := newSpy(t)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // 没有人监听的端口
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := newWithClient(spy, client, Config{TTL: time.Hour})
	ctx := context.Background()

	f := root.JoinPath("arr/a.tdb")
	require.NoError(t, c.AppendWrite(ctx, f, []byte("12345")))

	size, err := c.FileSize(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
	assert.True(t, c.IsFile(ctx, f))

	_, err = c.FileSize(ctx, root.JoinPath("nope"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.sizeCount))
	assert.NoError(t, c.Close(ctx))
}

func TestNewCachedBackend_InvalidURL(t *testing.T) {
	spy, _ := newSpy(t)
	_, err := NewCachedBackend(spy, Config{RedisURL: "not-a-url"})
	assert.ErrorContains(t, err, "invalid redis url")
}

func TestCachedBackend_Integration(t *testing.T) {
	// A. 环境检查: 确保 Redis 在运行
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	// B. 初始化
	ctx := context.Background()
	spy, root := newSpy(t)
	c, err := NewCachedBackend(spy, Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      1 * time.Hour,
	})
	require.NoError(t, err)
	defer c.Close(ctx)

	f := root.JoinPath("arr/__frag/a.tdb")
	require.NoError(t, c.AppendWrite(ctx, f, []byte("hello")))

	// --- Step 1: Cache Miss ---
	size, err := c.FileSize(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.sizeCount), "Backend FileSize() should be called on miss")

	// --- Step 2: Cache Hit ---
	size, err = c.FileSize(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.sizeCount), "Backend FileSize() should NOT be called on hit")
	assert.True(t, c.IsFile(ctx, f))

	// --- Step 3: 追加写使缓存失效 ---
	require.NoError(t, c.AppendWrite(ctx, f, []byte(" world")))
	size, err = c.FileSize(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.sizeCount))

	// --- Step 4: 删除目录使其下所有缓存失效 ---
	require.NoError(t, c.RemovePath(ctx, root.JoinPath("arr")))
	n, err := c.client.Exists(ctx, cacheKey(f)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.False(t, c.IsFile(ctx, f))
}
