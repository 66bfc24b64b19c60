package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"tilevault/pkg/storage"
	"tilevault/pkg/types"
)

// Adapter 实现了 storage.Backend 接口 (本地 POSIX 文件系统)
// 本地文件系统原生支持 append 和原子 rename，不需要写缓冲
type Adapter struct {
	rootPath string // 比如: /home/user/.tilevault/arrays
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Adapter{rootPath: abs}, nil
}

// Root 返回根目录对应的 URI
func (s *Adapter) Root() types.URI {
	return types.MustParseURI(s.rootPath)
}

// layout 返回 URI 对应的物理路径
func (s *Adapter) layout(uri types.URI) (string, error) {
	if uri.Scheme() != "file" {
		return "", storage.IOError("resolve", uri.String(), fmt.Errorf("unsupported scheme %q", uri.Scheme()))
	}
	return filepath.FromSlash(uri.Path()), nil
}

func (s *Adapter) IsDir(ctx context.Context, uri types.URI) bool {
	p, err := s.layout(uri)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func (s *Adapter) IsFile(ctx context.Context, uri types.URI) bool {
	p, err := s.layout(uri)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func (s *Adapter) CreateDir(ctx context.Context, uri types.URI) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return storage.IOError("create dir", uri.String(), err)
	}
	return nil
}

func (s *Adapter) CreateFile(ctx context.Context, uri types.URI) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return storage.IOError("create file", uri.String(), err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return storage.IOError("create file", uri.String(), err)
	}
	return f.Close()
}

func (s *Adapter) List(ctx context.Context, uri types.URI, delimiter string) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		p, err := s.layout(uri)
		if err != nil {
			yield(storage.Entry{}, err)
			return
		}

		// 1. 非递归 (delimiter = "/")
		if delimiter != "" {
			entries, err := os.ReadDir(p)
			if errors.Is(err, fs.ErrNotExist) {
				return // 不存在的目录是空的
			}
			if err != nil {
				yield(storage.Entry{}, storage.IOError("list", uri.String(), err))
				return
			}
			for _, de := range entries {
				if ctx.Err() != nil {
					yield(storage.Entry{}, storage.IOError("list", uri.String(), ctx.Err()))
					return
				}
				e := storage.Entry{URI: uri.JoinPath(de.Name()), IsDir: de.IsDir()}
				if info, err := de.Info(); err == nil && !de.IsDir() {
					e.Size = uint64(info.Size())
				}
				if !yield(e, nil) {
					return
				}
			}
			return
		}

		// 2. 递归，只返回文件
		err = filepath.WalkDir(p, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if de.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			info, err := de.Info()
			if err != nil {
				return err
			}
			e := storage.Entry{URI: types.URI("file://" + filepath.ToSlash(path)), Size: uint64(info.Size())}
			if !yield(e, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(storage.Entry{}, storage.IOError("list", uri.String(), err))
		}
	}
}

func (s *Adapter) RemoveFile(ctx context.Context, uri types.URI) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storage.IOError("remove file", uri.String(), err)
	}
	return nil
}

func (s *Adapter) RemovePath(ctx context.Context, uri types.URI) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	// RemoveAll 对不存在的路径返回 nil
	if err := os.RemoveAll(p); err != nil {
		return storage.IOError("remove path", uri.String(), err)
	}
	return nil
}

func (s *Adapter) Read(ctx context.Context, uri types.URI, offset uint64, buf []byte) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.IOError("read", uri.String(), storage.ErrNotFound)
	}
	if err != nil {
		return storage.IOError("read", uri.String(), err)
	}
	defer f.Close()

	// 先按文件大小检查范围，空 buffer 的读取也不能越界
	info, err := f.Stat()
	if err != nil {
		return storage.IOError("read", uri.String(), err)
	}
	end := offset + uint64(len(buf))
	if end > uint64(info.Size()) {
		return storage.IOError("read", uri.String(),
			fmt.Errorf("range [%d, %d) exceeds file size %d", offset, end, info.Size()))
	}

	n, err := f.ReadAt(buf, int64(offset))
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = fmt.Errorf("range [%d, %d) exceeds file size", offset, end)
	}
	return storage.IOError("read", uri.String(), err)
}

func (s *Adapter) AppendWrite(ctx context.Context, uri types.URI, data []byte) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return storage.IOError("append", uri.String(), err)
	}

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return storage.IOError("append", uri.String(), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return storage.IOError("append", uri.String(), err)
	}
	if err := f.Close(); err != nil {
		return storage.IOError("append", uri.String(), err)
	}
	return nil
}

// FlushFile 本地文件没有写会话，只需要 fsync
func (s *Adapter) FlushFile(ctx context.Context, uri types.URI) error {
	p, err := s.layout(uri)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storage.IOError("flush", uri.String(), err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return storage.IOError("flush", uri.String(), err)
	}
	return nil
}

func (s *Adapter) FileSize(ctx context.Context, uri types.URI) (uint64, error) {
	p, err := s.layout(uri)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, storage.IOError("file size", uri.String(), storage.ErrNotFound)
	}
	if err != nil {
		return 0, storage.IOError("file size", uri.String(), err)
	}
	if !info.Mode().IsRegular() {
		return 0, storage.IOError("file size", uri.String(), fmt.Errorf("not a file"))
	}
	return uint64(info.Size()), nil
}

// MovePath 本地文件系统上是原子的 rename
func (s *Adapter) MovePath(ctx context.Context, oldURI, newURI types.URI) error {
	oldPath, err := s.layout(oldURI)
	if err != nil {
		return err
	}
	newPath, err := s.layout(newURI)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return storage.IOError("move", oldURI.String(), err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return storage.IOError("move", oldURI.String(), err)
	}
	return nil
}

func (s *Adapter) Close(ctx context.Context) error {
	return nil
}
