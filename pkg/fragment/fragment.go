// Package fragment 实现了 fragment 的写入/读取生命周期：
// 写入时把属性 buffer 切成 tile 追加到存储，finalize 时持久化元数据并把临时目录重命名为正式名字。
package fragment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"tilevault/pkg/array"
	"tilevault/pkg/codec"
	"tilevault/pkg/storage"
	"tilevault/pkg/types"
)

// State 是 fragment 的生命周期状态
type State int

const (
	StateUninitialized State = iota
	StateWriting
	StateFinalized
	StateReading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWriting:
		return "writing"
	case StateFinalized:
		return "finalized"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Query 是 fragment 需要从查询层获得的信息
type Query interface {
	Schema() *array.Schema
	// AttributeIDs 本次查询涉及的属性，包含 CoordsID 时为稀疏写入
	AttributeIDs() []int
}

// Committer 在 fragment 成功 finalize 之后被调用 (比如写入 SQL 目录)
type Committer interface {
	CommitFragment(ctx context.Context, meta *Metadata, consolidated bool) error
}

// StoreFunc 持久化 fragment 元数据，默认直接调用 Metadata.Persist
type StoreFunc func(ctx context.Context, meta *Metadata) error

// Options 控制 fragment 的可选依赖
type Options struct {
	Codec     *codec.Codec
	Store     StoreFunc
	Committer Committer
	Logger    *slog.Logger
}

// Fragment 代表针对一个 fragment URI 的一次写入或读取
type Fragment struct {
	query     Query
	backend   storage.Backend
	store     StoreFunc
	committer Committer
	logger    *slog.Logger

	state         State
	uri           types.URI
	dense         bool
	consolidation bool

	meta       *Metadata
	writeState *WriteState
	readState  *ReadState
}

// New 创建一个未初始化的 fragment，之后需要调用 InitWrite 或 InitRead
func New(query Query, backend storage.Backend, opts Options) *Fragment {
	c := opts.Codec
	if c == nil {
		c = codec.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fragment{
		query:     query,
		backend:   backend,
		store:     opts.Store,
		committer: opts.Committer,
		logger:    logger,
	}
	if f.store == nil {
		f.store = func(ctx context.Context, meta *Metadata) error {
			return meta.Persist(ctx, backend, c)
		}
	}
	return f
}

func (f *Fragment) schema() *array.Schema {
	return f.query.Schema()
}

// InitWrite 打开写入模式。
// 查询的属性里没有坐标时是稠密 fragment。元数据初始化失败返回 ErrInit，之后不接受任何写入。
func (f *Fragment) InitWrite(ctx context.Context, uri types.URI, subarray []int64, consolidation bool) error {
	if f.state != StateUninitialized {
		return fmt.Errorf("%w: init write on %s fragment", storage.ErrInvalidState, f.state)
	}

	s := f.schema()
	ids := f.query.AttributeIDs()
	if len(ids) == 0 {
		return fmt.Errorf("%w: query has no attributes", storage.ErrInit)
	}
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if id < 0 || id > s.CoordsID() {
			return fmt.Errorf("%w: attribute id %d out of range", storage.ErrInit, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate attribute id %d", storage.ErrInit, id)
		}
		seen[id] = struct{}{}
	}

	// 1. 稠密 / 稀疏在打开时确定，之后不再改变
	dense := !slices.Contains(ids, s.CoordsID())

	// 2. 元数据
	meta := NewMetadata(s, dense, uri)
	if err := meta.Init(subarray); err != nil {
		return err
	}

	// 3. 临时目录 (对象存储上是一个目录标记)
	if err := f.backend.CreateDir(ctx, uri); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrInit, err)
	}

	f.uri = uri
	f.dense = dense
	f.consolidation = consolidation
	f.meta = meta
	f.writeState = newWriteState(f)
	f.state = StateWriting
	return nil
}

// InitRead 打开读取模式，meta 可能由 open array 缓存共享，fragment 不拥有它
func (f *Fragment) InitRead(uri types.URI, meta *Metadata) error {
	if f.state != StateUninitialized {
		return fmt.Errorf("%w: init read on %s fragment", storage.ErrInvalidState, f.state)
	}
	if meta == nil {
		return fmt.Errorf("%w: nil fragment metadata", storage.ErrInit)
	}

	f.uri = uri
	f.meta = meta
	f.dense = meta.Dense()
	f.readState = newReadState(f, meta)
	f.state = StateReading
	return nil
}

// Write 只在写入模式下有效，错误原样返回
func (f *Fragment) Write(ctx context.Context, buffers [][]byte) error {
	if f.state != StateWriting {
		return fmt.Errorf("%w: write on %s fragment", storage.ErrInvalidState, f.state)
	}
	return f.writeState.Write(ctx, buffers)
}

// Finalize 依次执行：
//  1. 写出剩余的 tile 并提交数据文件
//  2. 持久化元数据
//  3. 非 consolidation 的 fragment 从临时名字重命名为正式名字
//
// 三步都会执行，返回第一个错误；无论成功与否状态都变为 Finalized。
// 之前有写入因为存储错误失败时不执行这三步，临时目录被删除。
// 读取模式下什么都不做。
func (f *Fragment) Finalize(ctx context.Context) error {
	switch f.state {
	case StateReading:
		return nil
	case StateWriting:
	default:
		return fmt.Errorf("%w: finalize on %s fragment", storage.ErrInvalidState, f.state)
	}
	f.state = StateFinalized

	// 写入中途失败的 fragment 不会被提交，直接丢弃临时目录
	if werr := f.writeState.err; werr != nil {
		if err := f.backend.RemovePath(ctx, f.uri); err != nil {
			f.logger.Error("failed to discard provisional fragment",
				slog.String("fragment", f.uri.String()),
				slog.String("err", err.Error()),
			)
		}
		return fmt.Errorf("finalize %s after a failed write: %w", f.uri, werr)
	}

	errWrite := f.writeState.finalize(ctx)
	errMeta := f.store(ctx, f.meta)

	var errMove error
	if !f.consolidation && f.backend.IsDir(ctx, f.uri) {
		if last := f.uri.LastPathPart(); strings.HasPrefix(last, array.ProvisionalPrefix) {
			committed := f.uri.WithLastPathPart(strings.TrimPrefix(last, array.ProvisionalPrefix))
			errMove = f.backend.MovePath(ctx, f.uri, committed)
			if errMove == nil {
				f.uri = committed
				f.meta.uri = committed
			}
		}
	}

	for _, err := range []error{errWrite, errMeta, errMove} {
		if err != nil {
			f.logger.Error("fragment finalize failed",
				slog.String("fragment", f.uri.String()),
				slog.String("err", err.Error()),
			)
			return err
		}
	}

	f.logger.Debug("fragment finalized",
		slog.String("fragment", f.uri.String()),
		slog.Int("tiles", f.meta.TileNum()),
		slog.Bool("dense", f.dense),
	)

	if f.committer != nil {
		if err := f.committer.CommitFragment(ctx, f.meta, f.consolidation); err != nil {
			return fmt.Errorf("commit fragment %s: %w", f.uri, err)
		}
	}
	return nil
}

// Close 释放写入/读取状态。读取模式下的元数据可能是共享的，这里不会动它。
// 没有 finalize 的写入会被丢弃：临时目录连同未提交的写会话一起删除。
func (f *Fragment) Close() {
	if f.state == StateWriting {
		f.logger.Warn("closing fragment that was never finalized",
			slog.String("fragment", f.uri.String()),
		)
		if err := f.backend.RemovePath(context.Background(), f.uri); err != nil {
			f.logger.Error("failed to discard provisional fragment",
				slog.String("fragment", f.uri.String()),
				slog.String("err", err.Error()),
			)
		}
	}
	if f.writeState != nil {
		f.writeState.release()
		f.writeState = nil
	}
	f.readState = nil
	f.state = StateClosed
}

// -----------------------------------------------------------------------------
// 访问器
// -----------------------------------------------------------------------------

func (f *Fragment) URI() types.URI         { return f.uri }
func (f *Fragment) Dense() bool            { return f.dense }
func (f *Fragment) State() State           { return f.state }
func (f *Fragment) Metadata() *Metadata    { return f.meta }
func (f *Fragment) ReadState() *ReadState  { return f.readState }
func (f *Fragment) Consolidation() bool    { return f.consolidation }
func (f *Fragment) CoordsURI() types.URI   { return f.uri.JoinPath(array.CoordsName + array.FileSuffix) }
func (f *Fragment) AttrURI(id int) types.URI { return f.attrURI(id) }

// AttrVarURI 变长属性值文件的位置
func (f *Fragment) AttrVarURI(id int) types.URI {
	return f.uri.JoinPath(f.schema().AttributeName(id) + array.VarSuffix + array.FileSuffix)
}

func (f *Fragment) attrURI(id int) types.URI {
	if id == f.schema().CoordsID() {
		return f.CoordsURI()
	}
	return f.uri.JoinPath(f.schema().AttributeName(id) + array.FileSuffix)
}

// TileSize 属性 id 一个 tile 的字节数：
// 每个 tile 的 cell 数 (稠密用 schema 的 tile 大小，稀疏用 capacity) 乘以 cell 大小 (变长属性为偏移量大小)
func (f *Fragment) TileSize(id int) uint64 {
	s := f.schema()
	cells := s.Capacity
	if f.dense {
		cells = s.CellsPerTile
	}
	if s.VarSize(id) {
		return cells * array.CellVarOffsetSize
	}
	return cells * s.CellSize(id)
}
