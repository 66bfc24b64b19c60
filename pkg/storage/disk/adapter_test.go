package disk

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"tilevault/pkg/storage"
	"tilevault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (*Adapter, types.URI) {
	t.Helper()
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)
	return store, store.Root()
}

func TestDiskAdapter_AppendReadSize(t *testing.T) {
	store, root := newTestAdapter(t)
	ctx := context.Background()

	f := root.JoinPath("arr/frag/a.tdb")

	// 1. 追加写
	require.NoError(t, store.AppendWrite(ctx, f, []byte("hello ")))
	require.NoError(t, store.AppendWrite(ctx, f, []byte("world")))
	require.NoError(t, store.FlushFile(ctx, f))

	// 验证文件是否真的存在于物理磁盘
	_, err := os.Stat(filepath.Join(root.Path(), "arr", "frag", "a.tdb"))
	assert.NoError(t, err)

	// 2. 大小
	size, err := store.FileSize(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)

	// 3. 范围读
	buf := make([]byte, 5)
	require.NoError(t, store.Read(ctx, f, 6, buf))
	assert.Equal(t, []byte("world"), buf)

	// 越界
	err = store.Read(ctx, f, 8, make([]byte, 10))
	assert.ErrorIs(t, err, storage.ErrIO)

	// 空读取：末尾可以，超过末尾不行
	assert.NoError(t, store.Read(ctx, f, 11, nil))
	assert.ErrorIs(t, store.Read(ctx, f, 12, nil), storage.ErrIO)

	// 不存在
	err = store.Read(ctx, root.JoinPath("nope"), 0, buf)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FileSize(ctx, root.JoinPath("nope"))
	assert.ErrorIs(t, err, storage.ErrIO)
}

func TestDiskAdapter_DirsAndList(t *testing.T) {
	store, root := newTestAdapter(t)
	ctx := context.Background()

	dir := root.JoinPath("arr")
	require.NoError(t, store.CreateDir(ctx, dir))
	require.NoError(t, store.CreateDir(ctx, dir), "create dir twice is fine")
	require.NoError(t, store.CreateDir(ctx, dir.JoinPath("sub")))
	require.NoError(t, store.CreateFile(ctx, dir.JoinPath("f1")))
	require.NoError(t, store.AppendWrite(ctx, dir.JoinPath("sub/f2"), []byte("xx")))

	assert.True(t, store.IsDir(ctx, dir))
	assert.False(t, store.IsFile(ctx, dir))
	assert.True(t, store.IsFile(ctx, dir.JoinPath("f1")))
	assert.False(t, store.IsDir(ctx, dir.JoinPath("f1")))
	assert.False(t, store.IsDir(ctx, types.URI("s3://bucket/arr")), "foreign scheme is never a dir")

	// 非递归
	entries, err := storage.Collect(store.List(ctx, dir, storage.DefaultDelimiter))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.URI.LastPathPart())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"f1", "sub"}, names)

	// 递归
	entries, err = storage.Collect(store.List(ctx, dir, ""))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// 不存在的目录列出来是空的
	entries, err = storage.Collect(store.List(ctx, root.JoinPath("ghost"), storage.DefaultDelimiter))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskAdapter_RemoveIsIdempotent(t *testing.T) {
	store, root := newTestAdapter(t)
	ctx := context.Background()

	dir := root.JoinPath("arr")
	require.NoError(t, store.AppendWrite(ctx, dir.JoinPath("a/b"), []byte("1")))

	require.NoError(t, store.RemovePath(ctx, dir))
	assert.False(t, store.IsDir(ctx, dir))

	assert.NoError(t, store.RemovePath(ctx, dir))
	assert.NoError(t, store.RemoveFile(ctx, dir.JoinPath("a/b")))
}

func TestDiskAdapter_MovePath(t *testing.T) {
	store, root := newTestAdapter(t)
	ctx := context.Background()

	oldDir := root.JoinPath("arr/.__frag")
	newDir := root.JoinPath("arr/__frag")
	require.NoError(t, store.AppendWrite(ctx, oldDir.JoinPath("a.tdb"), []byte("data")))

	require.NoError(t, store.MovePath(ctx, oldDir, newDir))
	assert.False(t, store.IsDir(ctx, oldDir))
	assert.True(t, store.IsFile(ctx, newDir.JoinPath("a.tdb")))

	err := store.MovePath(ctx, oldDir, newDir)
	assert.ErrorIs(t, err, storage.ErrIO)
}
