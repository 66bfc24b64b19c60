package app

import (
	"context"
	"path/filepath"
	"testing"

	"tilevault/pkg/array"
	"tilevault/pkg/storage/disk"
	"tilevault/pkg/storagemgr"
	"tilevault/pkg/types"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStore_Disk(t *testing.T) {
	// 1. Mock 配置
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("storage.type", "disk")

	// 2. 调用私有函数 (因为我们在同一个包)
	store, err := initStore(context.Background(), t.TempDir())

	// 3. 验证
	require.NoError(t, err)
	assert.IsType(t, &disk.Adapter{}, store)
}

func TestInitStore_S3_MissingBucket(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("storage.type", "s3")
	// 故意不设置 bucket

	store, err := initStore(context.Background(), ".")
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestInitStore_Blob(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("storage.type", "blob")

	_, err := initStore(context.Background(), ".")
	assert.ErrorContains(t, err, "blob url is required")

	viper.Set("blob.url", "mem://")
	store, err := initStore(context.Background(), ".")
	require.NoError(t, err)
	assert.NoError(t, store.Close(context.Background()))
}

func TestInitStore_BadRedisURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("storage.type", "disk")
	viper.Set("cache.redis_url", "not-a-url")

	store, err := initStore(context.Background(), t.TempDir())
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestInitStore_UnknownType(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("storage.type", "ftp") // 不支持的类型

	store, err := initStore(context.Background(), ".")
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "unsupported storage type")
}

func TestInitCatalog(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	ctx := context.Background()

	db, err := initCatalog(ctx)
	require.NoError(t, err)
	assert.Nil(t, db, "catalog is disabled by default")

	viper.Set("catalog.driver", "sqlite")
	_, err = initCatalog(ctx)
	assert.ErrorContains(t, err, "catalog.dsn is required")

	viper.Set("catalog.driver", "mongo")
	_, err = initCatalog(ctx)
	assert.ErrorContains(t, err, "unsupported catalog driver")
}

func TestNewApp_EndToEnd(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	ctx := context.Background()
	dir := t.TempDir()
	viper.Set("storage.type", "disk")
	viper.Set("storage.path", filepath.Join(dir, "arrays"))
	viper.Set("catalog.driver", "sqlite")
	viper.Set("catalog.dsn", filepath.Join(dir, "catalog.db"))
	viper.Set("metadata.compression", "lz4")

	a, err := NewApp(ctx)
	require.NoError(t, err)
	require.NotNil(t, a.Catalog)

	arr, err := a.ArrayURI("/images/")
	require.NoError(t, err)
	assert.Equal(t, a.Root.JoinPath("images"), arr)

	abs, err := a.ArrayURI("s3://bucket/x")
	require.NoError(t, err)
	assert.Equal(t, types.URI("s3://bucket/x"), abs)

	schema := &array.Schema{
		URI:          arr,
		Attributes:   []array.Attribute{{Name: "v", CellSize: 1}},
		DimNum:       1,
		Domain:       []int64{0, 7},
		CellsPerTile: 4,
		Capacity:     4,
	}
	require.NoError(t, a.Manager.CreateArray(ctx, schema))

	q, err := storagemgr.NewQuery(schema)
	require.NoError(t, err)
	f, err := a.Manager.FragmentOpenWrite(ctx, q, nil, false)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, [][]byte{[]byte("abcdefgh")}))
	require.NoError(t, f.Finalize(ctx))

	// Finalize 之后 fragment 被记录到目录中
	recs, err := a.Catalog.ListFragments(ctx, arr, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, f.URI().String(), recs[0].URI)
	assert.Equal(t, uint64(8), recs[0].CellNum)

	require.NoError(t, a.Manager.RemoveFragment(ctx, arr, f.URI()))
	recs, err = a.Catalog.ListFragments(ctx, arr, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.NoError(t, a.Close(ctx))
}
