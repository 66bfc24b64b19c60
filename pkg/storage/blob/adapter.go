// Package blob 把任意 gocloud.dev/blob 的 bucket (mem://, file://, s3://, gs://) 适配成 storage.Backend。
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tilevault/pkg/storage"
	"tilevault/pkg/types"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// Scheme 是这个后端使用的 URI scheme
const Scheme = "blob"

// DirSuffix 是目录标记对象的后缀，与 s3 后端保持一致
const DirSuffix = ".dir"

// Config 用于初始化 Adapter
type Config struct {
	// URL 是 gocloud 的 bucket URL，比如 "mem://" 或 "file:///var/lib/tilevault"
	URL string
	// Name 是 URI 中的 authority 部分，默认为 "tilevault"
	Name           string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// writeSession 是一个打开的流式写入
// 取消 ctx 会丢弃已写入的数据，Close 才会让对象可见
type writeSession struct {
	mu     sync.Mutex
	w      *blob.Writer
	cancel context.CancelFunc
	closed bool
}

// Adapter 实现了 storage.Backend 接口
type Adapter struct {
	bucket  *blob.Bucket
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*writeSession
	committed map[string]struct{}
}

// NewAdapter 打开 cfg.URL 对应的 bucket
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("blob url is required")
	}
	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %v", storage.ErrInit, cfg.URL, err)
	}
	return NewWithBucket(bucket, cfg), nil
}

// NewWithBucket 允许注入现有的 bucket (测试)
func NewWithBucket(bucket *blob.Bucket, cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "tilevault"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bucket:    bucket,
		name:      name,
		timeout:   timeout,
		logger:    logger,
		sessions:  make(map[string]*writeSession),
		committed: make(map[string]struct{}),
	}
}

// Root 返回 bucket 根目录的 URI
func (a *Adapter) Root() types.URI {
	return types.URI(Scheme + "://" + a.name)
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) mapError(op string, uri types.URI, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return storage.IOError(op, uri.String(), storage.ErrNotFound)
	}
	return storage.IOError(op, uri.String(), err)
}

func (a *Adapter) exists(ctx context.Context, key string) bool {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	ok, err := a.bucket.Exists(ctx, key)
	return err == nil && ok
}

func (a *Adapter) IsDir(ctx context.Context, uri types.URI) bool {
	key := uri.Key()
	if key == "" {
		return true
	}
	if a.exists(ctx, key+DirSuffix) {
		return true
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	it := a.bucket.List(&blob.ListOptions{Prefix: key + "/"})
	_, err := it.Next(ctx)
	return err == nil
}

func (a *Adapter) IsFile(ctx context.Context, uri types.URI) bool {
	key := uri.Key()
	return key != "" && a.exists(ctx, key)
}

func (a *Adapter) writeAll(ctx context.Context, key string, data []byte) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.bucket.WriteAll(ctx, key, data, nil)
}

func (a *Adapter) CreateDir(ctx context.Context, uri types.URI) error {
	if err := a.writeAll(ctx, uri.Key()+DirSuffix, nil); err != nil {
		return storage.IOError("create dir", uri.String(), err)
	}
	return nil
}

func (a *Adapter) CreateFile(ctx context.Context, uri types.URI) error {
	if err := a.writeAll(ctx, uri.Key(), nil); err != nil {
		return storage.IOError("create file", uri.String(), err)
	}
	return nil
}

func (a *Adapter) List(ctx context.Context, uri types.URI, delimiter string) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		prefix := ""
		if key := uri.Key(); key != "" {
			prefix = key + "/"
		}
		root := a.Root()

		seenDirs := make(map[string]struct{})
		emitDir := func(name string) bool {
			if _, ok := seenDirs[name]; ok {
				return true
			}
			seenDirs[name] = struct{}{}
			return yield(storage.Entry{URI: root.JoinPath(name), IsDir: true}, nil)
		}

		it := a.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: delimiter})
		for {
			obj, err := it.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(storage.Entry{}, storage.IOError("list", uri.String(), err))
				return
			}

			switch {
			case obj.IsDir:
				if !emitDir(strings.TrimSuffix(obj.Key, delimiter)) {
					return
				}
			case delimiter != "" && strings.HasSuffix(obj.Key, DirSuffix):
				if !emitDir(strings.TrimSuffix(obj.Key, DirSuffix)) {
					return
				}
			default:
				if !yield(storage.Entry{URI: root.JoinPath(obj.Key), Size: uint64(obj.Size)}, nil) {
					return
				}
			}
		}
	}
}

func (a *Adapter) delete(ctx context.Context, key string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

func (a *Adapter) RemoveFile(ctx context.Context, uri types.URI) error {
	a.abort(uri.Key())
	if err := a.delete(ctx, uri.Key()); err != nil {
		return storage.IOError("remove file", uri.String(), err)
	}
	return nil
}

// keysUnder 返回目录下的全部 key 以及目录标记本身
func (a *Adapter) keysUnder(ctx context.Context, uri types.URI) ([]string, error) {
	var keys []string
	for e, err := range a.List(ctx, uri, "") {
		if err != nil {
			return nil, err
		}
		keys = append(keys, e.URI.Key())
	}
	if marker := uri.Key() + DirSuffix; a.exists(ctx, marker) {
		keys = append(keys, marker)
	}
	return keys, nil
}

func (a *Adapter) RemovePath(ctx context.Context, uri types.URI) error {
	prefix := uri.Key() + "/"
	for _, k := range a.Sessions() {
		if strings.HasPrefix(k, prefix) {
			a.abort(k)
		}
	}

	keys, err := a.keysUnder(ctx, uri)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := a.delete(ctx, k); err != nil {
			return storage.IOError("remove path", uri.String(), err)
		}
	}
	return nil
}

func (a *Adapter) Read(ctx context.Context, uri types.URI, offset uint64, buf []byte) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	r, err := a.bucket.NewRangeReader(ctx, uri.Key(), int64(offset), int64(len(buf)), nil)
	if err != nil {
		return a.mapError("read", uri, err)
	}
	defer r.Close()

	if _, err := io.ReadFull(r, buf); err != nil {
		return storage.IOError("read", uri.String(),
			fmt.Errorf("range [%d, %d): %w", offset, offset+uint64(len(buf)), err))
	}
	return nil
}

// AppendWrite 第一次写入时打开一个流式 Writer，之后的写入都追加到它上面
func (a *Adapter) AppendWrite(ctx context.Context, uri types.URI, data []byte) error {
	key := uri.Key()

	a.mu.Lock()
	s, ok := a.sessions[key]
	if !ok {
		// Writer 的生命周期跨越多次调用，不能绑定到调用方的 ctx 上
		wctx, cancel := context.WithCancel(context.Background())
		w, err := a.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
		if err != nil {
			a.mu.Unlock()
			cancel()
			return storage.IOError("append", uri.String(), err)
		}
		s = &writeSession{w: w, cancel: cancel}
		a.sessions[key] = s
		delete(a.committed, key)
	}
	a.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s was flushed concurrently", storage.ErrInvalidState, uri)
	}

	// Writer 绑定在会话的 ctx 上：超时 (或调用方取消) 时取消整个会话
	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()
	stop := context.AfterFunc(callCtx, s.cancel)
	_, err := s.w.Write(data)
	if !stop() && err == nil {
		// 写入返回之后才到期，会话也已经被取消
		err = callCtx.Err()
	}
	if err != nil {
		// 会话已经不可用，丢弃它
		s.closed = true
		s.cancel()
		_ = s.w.Close()
		a.mu.Lock()
		if a.sessions[key] == s {
			delete(a.sessions, key)
		}
		a.mu.Unlock()
		return storage.IOError("append", uri.String(), withCause(callCtx, err))
	}
	return nil
}

// withCause 在 ctx 超时或取消时把原因附加到 err 上
func withCause(ctx context.Context, err error) error {
	if cause := ctx.Err(); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

// FlushFile 关闭 Writer，对象在这之后才可见
func (a *Adapter) FlushFile(ctx context.Context, uri types.URI) error {
	key := uri.Key()

	a.mu.Lock()
	s, ok := a.sessions[key]
	_, done := a.committed[key]
	if ok {
		delete(a.sessions, key)
	}
	a.mu.Unlock()

	if !ok {
		if done {
			return fmt.Errorf("%w: %s already flushed", storage.ErrInvalidState, uri)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	defer s.cancel()

	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()
	stop := context.AfterFunc(callCtx, s.cancel)
	defer stop()
	if err := s.w.Close(); err != nil {
		return storage.IOError("flush", uri.String(), withCause(callCtx, err))
	}

	a.mu.Lock()
	a.committed[key] = struct{}{}
	a.mu.Unlock()
	return nil
}

// abort 丢弃 key 上未提交的写入
func (a *Adapter) abort(key string) {
	a.mu.Lock()
	s, ok := a.sessions[key]
	delete(a.sessions, key)
	a.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancel()
	_ = s.w.Close() // ctx 已取消，Close 只会返回取消错误
}

func (a *Adapter) FileSize(ctx context.Context, uri types.URI) (uint64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	attrs, err := a.bucket.Attributes(ctx, uri.Key())
	if err != nil {
		return 0, a.mapError("file size", uri, err)
	}
	return uint64(attrs.Size), nil
}

// MovePath 通过 copy + delete 实现，不是原子操作
func (a *Adapter) MovePath(ctx context.Context, oldURI, newURI types.URI) error {
	oldKey, newKey := oldURI.Key(), newURI.Key()
	for _, k := range a.Sessions() {
		if k == oldKey || strings.HasPrefix(k, oldKey+"/") {
			return fmt.Errorf("%w: %s has an open write session", storage.ErrInvalidState, k)
		}
	}

	var keys []string
	if a.exists(ctx, oldKey) {
		keys = []string{oldKey}
	} else {
		var err error
		if keys, err = a.keysUnder(ctx, oldURI); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return storage.IOError("move", oldURI.String(), storage.ErrNotFound)
	}

	for _, k := range keys {
		dst := newKey + strings.TrimPrefix(k, oldKey)
		callCtx, cancel := a.withTimeout(ctx)
		err := a.bucket.Copy(callCtx, dst, k, nil)
		cancel()
		if err != nil {
			return a.mapError("move", oldURI, err)
		}
	}
	for _, k := range keys {
		if err := a.delete(ctx, k); err != nil {
			return storage.IOError("move", oldURI.String(), err)
		}
	}
	return nil
}

// Sessions 返回当前打开写会话的 key
func (a *Adapter) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.sessions))
	for k := range a.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Close 提交所有打开的写会话，然后关闭 bucket
func (a *Adapter) Close(ctx context.Context) error {
	var errs []error
	for _, k := range a.Sessions() {
		uri := a.Root().JoinPath(k)
		if err := a.FlushFile(ctx, uri); err != nil {
			a.logger.Error("failed to flush write session",
				slog.String("key", k),
				slog.String("err", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	if err := a.bucket.Close(); err != nil {
		errs = append(errs, storage.IOError("close", a.Root().String(), err))
	}
	return errors.Join(errs...)
}
