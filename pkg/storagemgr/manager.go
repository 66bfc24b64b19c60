// Package storagemgr 是 fragment 生命周期的入口：
// 它持有存储后端、open array 缓存、编解码器和可选的 fragment 目录，负责数组和 fragment 的打开与关闭。
package storagemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"tilevault/pkg/array"
	"tilevault/pkg/codec"
	"tilevault/pkg/fragment"
	"tilevault/pkg/openarray"
	"tilevault/pkg/storage"
	"tilevault/pkg/types"

	"github.com/google/uuid"
)

// fragmentNamePrefix 是正式 fragment 目录名的前缀
const fragmentNamePrefix = "__"

// Catalog 是 fragment 目录需要提供的操作 (比如 SQL 索引)
type Catalog interface {
	fragment.Committer
	DeleteFragment(ctx context.Context, uri types.URI) error
}

// Options 控制 Manager 的可选依赖
type Options struct {
	Codec   *codec.Codec
	Catalog Catalog
	Logger  *slog.Logger
}

// Manager 持有所有共享的存储状态，可以并发使用
type Manager struct {
	backend storage.Backend
	arrays  *openarray.Manager
	codec   *codec.Codec
	catalog Catalog
	logger  *slog.Logger
}

func New(backend storage.Backend, opts Options) *Manager {
	c := opts.Codec
	if c == nil {
		c = codec.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		arrays:  openarray.NewManager(logger),
		codec:   c,
		catalog: opts.Catalog,
		logger:  logger,
	}
}

func (m *Manager) Backend() storage.Backend        { return m.backend }
func (m *Manager) OpenArrays() *openarray.Manager { return m.arrays }

// -----------------------------------------------------------------------------
// 1. 数组
// -----------------------------------------------------------------------------

// CreateArray 校验并持久化 schema，数组已存在时返回 ErrInvalidState
func (m *Manager) CreateArray(ctx context.Context, schema *array.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	if m.backend.IsFile(ctx, array.SchemaURI(schema.URI)) {
		return fmt.Errorf("%w: array %s already exists", storage.ErrInvalidState, schema.URI)
	}
	if err := schema.Store(ctx, m.backend, m.codec); err != nil {
		return err
	}
	m.logger.Info("array created",
		slog.String("array", schema.URI.String()),
		slog.Int("attributes", schema.AttributeNum()),
	)
	return nil
}

// ArrayOpen 返回共享的 schema，第一次打开时从存储加载
func (m *Manager) ArrayOpen(ctx context.Context, arrayURI types.URI) (*array.Schema, error) {
	return m.arrays.Acquire(ctx, arrayURI, func(ctx context.Context) (*array.Schema, error) {
		return array.Load(ctx, m.backend, arrayURI, m.codec)
	})
}

func (m *Manager) ArrayClose(arrayURI types.URI) error {
	return m.arrays.Release(arrayURI)
}

// -----------------------------------------------------------------------------
// 2. Fragment
// -----------------------------------------------------------------------------

// NewFragmentURI 生成一个新的 fragment 名字: __<uuid>_<unix-nanos>
// 非 consolidation 的 fragment 以临时前缀开头，finalize 时再去掉
func (m *Manager) NewFragmentURI(arrayURI types.URI, consolidation bool) types.URI {
	name := fmt.Sprintf("%s%s_%d", fragmentNamePrefix, uuid.NewString(), time.Now().UnixNano())
	if !consolidation {
		name = array.ProvisionalPrefix + name
	}
	return arrayURI.JoinPath(name)
}

func (m *Manager) fragmentOptions() fragment.Options {
	opts := fragment.Options{
		Codec:  m.codec,
		Store:  m.Store,
		Logger: m.logger,
	}
	if m.catalog != nil {
		opts.Committer = m.catalog
	}
	return opts
}

// FragmentOpenWrite 在查询的数组下创建一个新的 fragment 并打开写入
func (m *Manager) FragmentOpenWrite(ctx context.Context, query fragment.Query, subarray []int64, consolidation bool) (*fragment.Fragment, error) {
	uri := m.NewFragmentURI(query.Schema().URI, consolidation)
	f := fragment.New(query, m.backend, m.fragmentOptions())
	if err := f.InitWrite(ctx, uri, subarray, consolidation); err != nil {
		return nil, err
	}
	return f, nil
}

// FragmentOpenRead 打开一个已提交的 fragment，元数据通过 open array 缓存共享
func (m *Manager) FragmentOpenRead(ctx context.Context, query fragment.Query, fragURI types.URI) (*fragment.Fragment, error) {
	schema := query.Schema()
	meta, err := m.arrays.FragmentMetadataLoad(ctx, schema.URI, fragURI, func(ctx context.Context) (*fragment.Metadata, error) {
		return fragment.LoadMetadata(ctx, m.backend, schema, fragURI, m.codec)
	})
	if err != nil {
		return nil, err
	}

	f := fragment.New(query, m.backend, m.fragmentOptions())
	if err := f.InitRead(fragURI, meta); err != nil {
		m.arrays.FragmentMetadataRelease(schema.URI, fragURI)
		return nil, err
	}
	return f, nil
}

// FragmentCloseRead 关闭读取并释放缓存中的元数据引用
func (m *Manager) FragmentCloseRead(f *fragment.Fragment) {
	arrayURI := f.Metadata().Schema().URI
	uri := f.URI()
	f.Close()
	m.arrays.FragmentMetadataRelease(arrayURI, uri)
}

// Store 持久化 fragment 元数据
func (m *Manager) Store(ctx context.Context, meta *fragment.Metadata) error {
	if err := meta.Persist(ctx, m.backend, m.codec); err != nil {
		m.logger.Error("failed to store fragment metadata",
			slog.String("fragment", meta.URI().String()),
			slog.String("err", err.Error()),
		)
		return err
	}
	return nil
}

func (m *Manager) IsDir(ctx context.Context, uri types.URI) bool {
	return m.backend.IsDir(ctx, uri)
}

func (m *Manager) MovePath(ctx context.Context, oldURI, newURI types.URI) error {
	return m.backend.MovePath(ctx, oldURI, newURI)
}

// FragmentInfo 是 ListFragments 的一项
type FragmentInfo struct {
	URI       types.URI
	Timestamp time.Time
}

// ListFragments 按创建时间列出已提交的 fragment。临时 (未 finalize) 的 fragment 不可见。
func (m *Manager) ListFragments(ctx context.Context, arrayURI types.URI) ([]FragmentInfo, error) {
	var frags []FragmentInfo
	for e, err := range m.backend.List(ctx, arrayURI, storage.DefaultDelimiter) {
		if err != nil {
			return nil, err
		}
		name := e.URI.LastPathPart()
		if !e.IsDir || !strings.HasPrefix(name, fragmentNamePrefix) {
			continue
		}
		frags = append(frags, FragmentInfo{URI: e.URI, Timestamp: fragmentTimestamp(name)})
	}

	sort.Slice(frags, func(i, j int) bool {
		if !frags[i].Timestamp.Equal(frags[j].Timestamp) {
			return frags[i].Timestamp.Before(frags[j].Timestamp)
		}
		return frags[i].URI < frags[j].URI
	})
	return frags, nil
}

// fragmentTimestamp 从 __<uuid>_<unix-nanos> 中解析时间，解析失败返回零值
func fragmentTimestamp(name string) time.Time {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return time.Time{}
	}
	nanos, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// RemoveFragment 删除一个 fragment。它的元数据仍被读者持有时返回 ErrInvalidState；
// 删除期间新的 FragmentOpenRead 会被拒绝。
func (m *Manager) RemoveFragment(ctx context.Context, arrayURI, fragURI types.URI) error {
	done, err := m.arrays.FragmentBeginRemove(arrayURI, fragURI)
	if err != nil {
		return err
	}
	defer done()

	if err := m.backend.RemovePath(ctx, fragURI); err != nil {
		return err
	}
	if m.catalog != nil {
		if err := m.catalog.DeleteFragment(ctx, fragURI); err != nil {
			return fmt.Errorf("remove fragment %s from catalog: %w", fragURI, err)
		}
	}
	m.logger.Info("fragment removed", slog.String("fragment", fragURI.String()))
	return nil
}

// Close 提交后端上所有打开的写会话
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, uri := range m.arrays.Arrays() {
		if n := m.arrays.OpenCount(uri); n > 0 {
			m.logger.Warn("array still open at shutdown",
				slog.String("array", uri.String()),
				slog.Int("open", n),
			)
		}
	}
	if err := m.backend.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
