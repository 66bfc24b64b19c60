package multipart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"tilevault/pkg/storage"

	"golang.org/x/sync/errgroup"
)

// MaxParts 是 S3 协议允许的最大 part 数量
const MaxParts = 10000

// Part 是一个已完成的 part 描述符 (part number + 后端返回的 tag)
type Part struct {
	Number int32
	ETag   string
	Size   int
}

// API 是后端需要提供的 multipart 原语
// 对 S3 来说就是 CreateMultipartUpload / UploadPart / CompleteMultipartUpload / AbortMultipartUpload
type API interface {
	CreateUpload(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, number int32, data []byte) (etag string, err error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortUpload(ctx context.Context, key, uploadID string) error
}

// Options 控制缓冲和并发
type Options struct {
	// MinPartSize 小于这个大小的追加会先在内存里合并，凑够了再作为一个 part 上传。
	// 0 表示每次 Append 都直接成为一个 part。
	// S3 要求除最后一个 part 外每个 part >= 5MiB。
	MinPartSize int

	// Concurrency 单个会话同时在途的 part 上传数
	Concurrency int

	// RequestTimeout 每一次后端调用的超时，超时以 ErrIO 返回而不是挂起
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// DefaultOptions 适用于 S3
func DefaultOptions() Options {
	return Options{
		MinPartSize:    5 * 1024 * 1024,
		Concurrency:    4,
		RequestTimeout: 30 * time.Second,
	}
}

// session 是一个按 key 区分的上传会话
type session struct {
	key string

	// appendMu 串行化同一个 key 上的 Append / Finalize，保证 part number 按调用顺序分配
	appendMu sync.Mutex
	uploadID string
	seq      int32
	pending  []byte
	closed   bool
	group    errgroup.Group

	// mu 保护异步完成的 parts
	mu    sync.Mutex
	parts []Part
}

// Writer 把同一个逻辑文件上的一串 Append 变成一组 part，并在 Finalize 时提交
type Writer struct {
	api    API
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	committed map[string]struct{}
}

func NewWriter(api API, opts Options) *Writer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		api:       api,
		opts:      opts,
		logger:    logger,
		sessions:  make(map[string]*session),
		committed: make(map[string]struct{}),
	}
}

// callContext 给单次后端调用加上超时
func (w *Writer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, w.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// lookup 返回 key 对应的会话，不存在就创建一个 (尚未向后端申请 upload id)
func (w *Writer) lookup(key string) *session {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[key]
	if !ok {
		s = &session{key: key}
		s.group.SetLimit(w.opts.Concurrency)
		w.sessions[key] = s
		// 新的写入会覆盖之前提交的对象
		delete(w.committed, key)
	}
	return s
}

func (w *Writer) drop(s *session, committed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sessions[s.key] == s {
		delete(w.sessions, s.key)
	}
	if committed {
		w.committed[s.key] = struct{}{}
	}
}

// Append 把 data 追加到 key 对应的逻辑文件
// data 会被复制，调用方返回后可以立即复用 buffer
func (w *Writer) Append(ctx context.Context, key string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	for {
		s := w.lookup(key)
		s.appendMu.Lock()
		if s.closed {
			// 并发的 Finalize 刚刚结束了这个会话，重新查找
			s.appendMu.Unlock()
			continue
		}
		err := w.appendLocked(ctx, s, data)
		s.appendMu.Unlock()
		return err
	}
}

func (w *Writer) appendLocked(ctx context.Context, s *session, data []byte) error {
	// 1. 第一次写入：向后端申请 upload id
	if s.uploadID == "" {
		callCtx, cancel := w.callContext(ctx)
		id, err := w.api.CreateUpload(callCtx, s.key)
		cancel()
		if err != nil {
			s.closed = true
			w.drop(s, false)
			return storage.IOError("create upload", s.key, err)
		}
		s.uploadID = id
		w.logger.Debug("multipart upload opened", slog.String("key", s.key), slog.String("upload_id", id))
	}

	// 2. 合并过小的追加
	s.pending = append(s.pending, data...)
	if w.opts.MinPartSize > 0 && len(s.pending) < w.opts.MinPartSize {
		return nil
	}

	return w.submit(ctx, s)
}

// submit 把 pending 作为下一个 part 提交
// part number 在这里 (持有 appendMu 时) 分配，上传本身是异步的
func (w *Writer) submit(ctx context.Context, s *session) error {
	if s.seq >= MaxParts {
		return storage.IOError("upload part", s.key, fmt.Errorf("too many parts (max %d)", MaxParts))
	}
	s.seq++
	number := s.seq
	data := s.pending
	s.pending = nil

	// 异步上传不应被调用方的取消打断，但仍然受 RequestTimeout 约束
	base := context.WithoutCancel(ctx)
	s.group.Go(func() error {
		callCtx, cancel := w.callContext(base)
		defer cancel()

		etag, err := w.api.UploadPart(callCtx, s.key, s.uploadID, number, data)
		if err != nil {
			return storage.IOError(fmt.Sprintf("upload part %d", number), s.key, err)
		}

		s.mu.Lock()
		s.parts = append(s.parts, Part{Number: number, ETag: etag, Size: len(data)})
		s.mu.Unlock()
		return nil
	})
	return nil
}

// Finalize 提交 key 对应的对象并销毁会话
// - 从未写过: no-op
// - 已经提交过且没有新的写入: ErrInvalidState
// - 任何 part 失败: abort 整个 upload，返回 ErrIO
func (w *Writer) Finalize(ctx context.Context, key string) error {
	w.mu.Lock()
	s, ok := w.sessions[key]
	_, done := w.committed[key]
	w.mu.Unlock()

	if !ok {
		if done {
			return fmt.Errorf("%w: upload for %s already finalized", storage.ErrInvalidState, key)
		}
		return nil
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: upload for %s already finalized", storage.ErrInvalidState, key)
	}
	s.closed = true

	// 1. 剩余的数据作为最后一个 part (允许小于 MinPartSize)
	var err error
	if len(s.pending) > 0 {
		err = w.submit(ctx, s)
	}

	// 2. 等待所有在途的上传
	if werr := s.group.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		w.abort(ctx, s)
		w.drop(s, false)
		return err
	}

	// 3. 按 part number 重新排序 (完成顺序不等于提交顺序)
	parts := s.sortedParts()
	if len(parts) == 0 {
		w.abort(ctx, s)
		w.drop(s, false)
		return nil
	}

	callCtx, cancel := w.callContext(ctx)
	defer cancel()
	if err := w.api.CompleteUpload(callCtx, s.key, s.uploadID, parts); err != nil {
		w.abort(ctx, s)
		w.drop(s, false)
		return storage.IOError("complete upload", s.key, err)
	}

	w.drop(s, true)
	w.logger.Debug("multipart upload committed",
		slog.String("key", s.key),
		slog.Int("parts", len(parts)),
	)
	return nil
}

// Abort 丢弃 key 上未提交的数据，没有会话时是 no-op
func (w *Writer) Abort(ctx context.Context, key string) error {
	w.mu.Lock()
	s, ok := w.sessions[key]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.group.Wait()
	err := w.abort(ctx, s)
	w.drop(s, false)
	return err
}

func (w *Writer) abort(ctx context.Context, s *session) error {
	if s.uploadID == "" {
		return nil
	}
	callCtx, cancel := w.callContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := w.api.AbortUpload(callCtx, s.key, s.uploadID); err != nil {
		w.logger.Warn("failed to abort multipart upload",
			slog.String("key", s.key),
			slog.String("upload_id", s.uploadID),
			slog.String("err", err.Error()),
		)
		return storage.IOError("abort upload", s.key, err)
	}
	return nil
}

func (s *session) sortedParts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := slices.Clone(s.parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}

// Close 提交所有仍然打开的会话 (进程退出前调用)
// 单个会话失败只记录日志，不影响其他会话
func (w *Writer) Close(ctx context.Context) error {
	var errs []error
	for _, key := range w.Sessions() {
		if err := w.Finalize(ctx, key); err != nil {
			w.logger.Error("failed to flush upload session",
				slog.String("key", key),
				slog.String("err", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		w.logger.Info("flushed upload session", slog.String("key", key))
	}
	return errors.Join(errs...)
}

// Sessions 返回当前打开的会话 key (已排序)
func (w *Writer) Sessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.sessions))
	for k := range w.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasSession 判断 key 上是否有未提交的写入
func (w *Writer) HasSession(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[key]
	return ok
}

// PartCount 返回 key 上已分配的 part 数量 (包括在途的)
func (w *Writer) PartCount(key string) int {
	w.mu.Lock()
	s, ok := w.sessions[key]
	w.mu.Unlock()
	if !ok {
		return 0
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return int(s.seq)
}
