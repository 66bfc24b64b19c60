// Package openarray 实现了进程级的 open array 缓存：
// 按数组 URI 共享 schema，并对正在使用的 fragment 元数据做引用计数。
package openarray

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tilevault/pkg/array"
	"tilevault/pkg/fragment"
	"tilevault/pkg/storage"
	"tilevault/pkg/types"
)

// SchemaLoader 在数组第一次被打开时从存储加载 schema
type SchemaLoader func(ctx context.Context) (*array.Schema, error)

// MetadataLoader 在缓存未命中时从存储加载 fragment 元数据
type MetadataLoader func(ctx context.Context) (*fragment.Metadata, error)

// fragEntry 是一个 fragment 元数据的缓存项
// ready 关闭之前 meta 还在加载中，加载者持有一个引用
type fragEntry struct {
	meta  *fragment.Metadata
	count int
	ready chan struct{}
}

func (e *fragEntry) loaded() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// closedChan 用于直接注册的缓存项
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// OpenArray 是一个打开的数组。所有字段都由 mu 保护，不同数组之间互不竞争。
type OpenArray struct {
	mu        sync.Mutex
	uri       types.URI
	schema    *array.Schema
	openCount int
	frags     map[string]*fragEntry
	removing  map[string]struct{} // 正在删除的 fragment，不接受新的加载
	evicted   bool
}

// Manager 是按数组 URI 索引的表。
// mu 只保护表本身的查找和插入，数组内部的状态由各自的锁保护。
type Manager struct {
	mu     sync.Mutex
	arrays map[string]*OpenArray
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		arrays: make(map[string]*OpenArray),
		logger: logger,
	}
}

// lock 返回已加锁的数组项。create 为 false 且不存在时返回 nil。
// 拿到一个刚被 Evict 的项时重新查找。
func (m *Manager) lock(uri types.URI, create bool) *OpenArray {
	key := uri.String()
	for {
		m.mu.Lock()
		oa, ok := m.arrays[key]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			oa = &OpenArray{
				uri:      uri,
				frags:    make(map[string]*fragEntry),
				removing: make(map[string]struct{}),
			}
			m.arrays[key] = oa
		}
		m.mu.Unlock()

		oa.mu.Lock()
		if !oa.evicted {
			return oa
		}
		oa.mu.Unlock()
	}
}

// -----------------------------------------------------------------------------
// 1. 数组
// -----------------------------------------------------------------------------

// Acquire 返回共享的 schema，第一次访问时调用 load 加载；open count 加一。
// 加载失败时 open count 不变。
func (m *Manager) Acquire(ctx context.Context, arrayURI types.URI, load SchemaLoader) (*array.Schema, error) {
	oa := m.lock(arrayURI, true)
	defer oa.mu.Unlock()

	if oa.schema == nil {
		schema, err := load(ctx)
		if err != nil {
			return nil, err
		}
		oa.schema = schema
		m.logger.Debug("array schema loaded", slog.String("array", arrayURI.String()))
	}
	oa.openCount++
	return oa.schema, nil
}

// Release open count 减一。计数为零时也不会驱逐，驱逐是单独的 Evict 操作。
func (m *Manager) Release(arrayURI types.URI) error {
	oa := m.lock(arrayURI, false)
	if oa == nil {
		return fmt.Errorf("%w: array %s is not open", storage.ErrInvalidState, arrayURI)
	}
	defer oa.mu.Unlock()

	if oa.openCount == 0 {
		return fmt.Errorf("%w: array %s is not open", storage.ErrInvalidState, arrayURI)
	}
	oa.openCount--
	return nil
}

// Evict 把数组从缓存中移除。数组仍然打开或者还有 fragment 元数据被持有时返回 ErrInvalidState。
// 不存在的数组是 no-op。
func (m *Manager) Evict(arrayURI types.URI) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oa, ok := m.arrays[arrayURI.String()]
	if !ok {
		return nil
	}
	oa.mu.Lock()
	defer oa.mu.Unlock()

	if oa.openCount > 0 || len(oa.frags) > 0 || len(oa.removing) > 0 {
		return fmt.Errorf("%w: array %s is in use (open=%d, fragments=%d, removing=%d)",
			storage.ErrInvalidState, arrayURI, oa.openCount, len(oa.frags), len(oa.removing))
	}
	oa.evicted = true
	delete(m.arrays, arrayURI.String())
	m.logger.Info("array evicted", slog.String("array", arrayURI.String()))
	return nil
}

// OpenCount 返回数组当前被打开的次数
func (m *Manager) OpenCount(arrayURI types.URI) int {
	oa := m.lock(arrayURI, false)
	if oa == nil {
		return 0
	}
	defer oa.mu.Unlock()
	return oa.openCount
}

// Arrays 返回缓存中的数组 (已排序)
func (m *Manager) Arrays() []types.URI {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := make([]types.URI, 0, len(m.arrays))
	for _, oa := range m.arrays {
		uris = append(uris, oa.uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

// -----------------------------------------------------------------------------
// 2. Fragment 元数据
// -----------------------------------------------------------------------------

// FragmentMetadataAcquire 命中时引用计数加一并返回共享的实例；
// 未命中返回 false，调用方应当加载后调用 FragmentMetadataRegister。
// 正在被其他调用方加载的项会等待加载完成。
func (m *Manager) FragmentMetadataAcquire(arrayURI, fragURI types.URI) (*fragment.Metadata, bool) {
	key := fragURI.String()
	for {
		oa := m.lock(arrayURI, false)
		if oa == nil {
			return nil, false
		}
		e, ok := oa.frags[key]
		if !ok {
			oa.mu.Unlock()
			return nil, false
		}
		if e.loaded() {
			e.count++
			oa.mu.Unlock()
			return e.meta, true
		}
		ready := e.ready
		oa.mu.Unlock()
		<-ready
	}
}

// FragmentMetadataRegister 插入 (计数为 1) 或者在已存在时计数加一。
// 返回值是权威的实例：已存在时调用方应该丢弃自己的 meta，改用返回值。
func (m *Manager) FragmentMetadataRegister(arrayURI types.URI, meta *fragment.Metadata) *fragment.Metadata {
	key := meta.URI().String()
	for {
		oa := m.lock(arrayURI, true)
		e, ok := oa.frags[key]
		if !ok {
			oa.frags[key] = &fragEntry{meta: meta, count: 1, ready: closedChan}
			oa.mu.Unlock()
			return meta
		}
		if e.loaded() {
			e.count++
			oa.mu.Unlock()
			return e.meta
		}
		ready := e.ready
		oa.mu.Unlock()
		<-ready
	}
}

// FragmentMetadataLoad 命中时等同于 Acquire；未命中时调用 load 加载并注册。
// 同一个 fragment 的并发未命中只会加载一次，其余调用方等待并共享结果。
func (m *Manager) FragmentMetadataLoad(ctx context.Context, arrayURI, fragURI types.URI, load MetadataLoader) (*fragment.Metadata, error) {
	key := fragURI.String()
	for {
		oa := m.lock(arrayURI, true)
		if _, gone := oa.removing[key]; gone {
			oa.mu.Unlock()
			return nil, fmt.Errorf("%w: fragment %s is being removed", storage.ErrInvalidState, fragURI)
		}
		e, ok := oa.frags[key]
		if ok {
			if e.loaded() {
				e.count++
				oa.mu.Unlock()
				return e.meta, nil
			}
			// 其他调用方正在加载
			ready := e.ready
			oa.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, storage.IOError("load fragment metadata", fragURI.String(), ctx.Err())
			}
		}

		// 放置占位项，加载者持有第一个引用
		e = &fragEntry{count: 1, ready: make(chan struct{})}
		oa.frags[key] = e
		oa.mu.Unlock()

		meta, err := load(ctx)

		oa.mu.Lock()
		if err != nil {
			// 加载失败：移除占位项，等待者会重新尝试
			delete(oa.frags, key)
		} else {
			e.meta = meta
		}
		close(e.ready)
		oa.mu.Unlock()

		if err != nil {
			return nil, err
		}
		m.logger.Debug("fragment metadata loaded", slog.String("fragment", key))
		return meta, nil
	}
}

// FragmentMetadataRelease 计数减一，减到零时移除。未知的 URI 是 no-op。
func (m *Manager) FragmentMetadataRelease(arrayURI, fragURI types.URI) {
	oa := m.lock(arrayURI, false)
	if oa == nil {
		return
	}
	defer oa.mu.Unlock()

	key := fragURI.String()
	e, ok := oa.frags[key]
	if !ok || !e.loaded() {
		return
	}
	e.count--
	if e.count <= 0 {
		delete(oa.frags, key)
	}
}

// RefCount 返回 fragment 元数据的引用计数，不在缓存中时为 0
func (m *Manager) RefCount(arrayURI, fragURI types.URI) int {
	oa := m.lock(arrayURI, false)
	if oa == nil {
		return 0
	}
	defer oa.mu.Unlock()
	if e, ok := oa.frags[fragURI.String()]; ok {
		return e.count
	}
	return 0
}

// FragmentBeginRemove 在同一个临界区内检查引用计数并把 fragment 标记为删除中：
// 元数据仍被持有 (或正在加载) 时返回 ErrInvalidState；
// 标记期间 FragmentMetadataLoad 拒绝加载。调用方删除完成后必须调用返回的 done。
func (m *Manager) FragmentBeginRemove(arrayURI, fragURI types.URI) (done func(), err error) {
	oa := m.lock(arrayURI, true)
	defer oa.mu.Unlock()

	key := fragURI.String()
	if e, ok := oa.frags[key]; ok {
		return nil, fmt.Errorf("%w: fragment %s is held by %d readers", storage.ErrInvalidState, fragURI, e.count)
	}
	if _, ok := oa.removing[key]; ok {
		return nil, fmt.Errorf("%w: fragment %s is already being removed", storage.ErrInvalidState, fragURI)
	}
	oa.removing[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			oa.mu.Lock()
			delete(oa.removing, key)
			oa.mu.Unlock()
		})
	}, nil
}
