// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tilevault/pkg/catalog"
	"tilevault/pkg/codec"
	"tilevault/pkg/storage"
	blobstore "tilevault/pkg/storage/blob"
	"tilevault/pkg/storage/cache"
	"tilevault/pkg/storage/disk"
	"tilevault/pkg/storage/s3"
	"tilevault/pkg/storagemgr"
	"tilevault/pkg/types"

	"github.com/spf13/viper"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有“单例”服务
type App struct {
	Backend storage.Backend
	Manager *storagemgr.Manager
	// Catalog 在 catalog.driver = none 时为 nil
	Catalog *catalog.Repository
	// Root 是相对数组名的解析基准
	Root types.URI

	db     *catalog.DB
	logger *slog.Logger
}

// NewApp 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp(ctx context.Context) (*App, error) {
	logger := slog.Default()

	// 1. 存储层
	storePath := viper.GetString("storage.path")
	store, err := initStore(ctx, storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	// 2. 元数据编码
	compression, err := codec.ParseCompression(viper.GetString("metadata.compression"))
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	// 3. fragment 目录 (可选)
	db, err := initCatalog(ctx)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("failed to init catalog: %w", err)
	}

	a := &App{
		Backend: store,
		db:      db,
		logger:  logger,
	}
	opts := storagemgr.Options{
		Codec:  codec.New(compression),
		Logger: logger,
	}
	if db != nil {
		a.Catalog = catalog.NewRepository(db)
		opts.Catalog = a.Catalog
	}
	if r, ok := store.(storage.Rooted); ok {
		a.Root = r.Root()
	}
	a.Manager = storagemgr.New(store, opts)
	return a, nil
}

// initStore 按 storage.type 创建存储后端，配置了 Redis 时再包一层缓存
func initStore(ctx context.Context, path string) (storage.Backend, error) {
	timeout := viper.GetDuration("storage.request_timeout")

	var store storage.Backend
	switch t := viper.GetString("storage.type"); t {
	case "", "disk":
		d, err := disk.NewAdapter(path)
		if err != nil {
			return nil, err
		}
		store = d

	case "s3":
		a, err := s3.NewAdapter(ctx, s3.Config{
			Endpoint:        viper.GetString("s3.endpoint"),
			Region:          viper.GetString("s3.region"),
			Bucket:          viper.GetString("s3.bucket"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
			PartSize:        viper.GetInt("s3.part_size"),
			Concurrency:     viper.GetInt("s3.concurrency"),
			RequestTimeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		store = a

	case "blob":
		b, err := blobstore.NewAdapter(ctx, blobstore.Config{
			URL:            viper.GetString("blob.url"),
			RequestTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		store = b

	default:
		return nil, fmt.Errorf("unsupported storage type: %q", t)
	}

	redisURL := viper.GetString("cache.redis_url")
	if redisURL == "" {
		return store, nil
	}
	cached, err := cache.NewCachedBackend(store, cache.Config{
		RedisURL: redisURL,
		TTL:      viper.GetDuration("cache.ttl"),
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return cached, nil
}

// initCatalog 按 catalog.driver 打开数据库，none 时返回 nil
func initCatalog(ctx context.Context) (*catalog.DB, error) {
	switch d := viper.GetString("catalog.driver"); d {
	case "", "none":
		return nil, nil
	case "sqlite":
		dsn := viper.GetString("catalog.dsn")
		if dsn == "" {
			return nil, fmt.Errorf("catalog.dsn is required for sqlite")
		}
		return catalog.NewSQLite(dsn)
	case "postgres":
		return catalog.NewDB(ctx, catalog.Config{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
		})
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %q", d)
	}
}

// ArrayURI 解析数组名：带 scheme 的 URI 原样使用，否则相对于存储根目录
func (a *App) ArrayURI(name string) (types.URI, error) {
	if strings.Contains(name, "://") || a.Root == "" {
		return types.ParseURI(name)
	}
	return a.Root.JoinPath(strings.Trim(name, "/")), nil
}

// Close 提交所有打开的写会话并关闭数据库
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown failed", slog.String("err", err.Error()))
		return err
	}
	return nil
}
