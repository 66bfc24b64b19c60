package storage

import (
	"context"
	"iter"

	"tilevault/pkg/types"
)

// DefaultDelimiter 在扁平命名空间的后端上模拟层级目录
const DefaultDelimiter = "/"

// Entry 是 List 返回的一项
type Entry struct {
	URI   types.URI
	Size  uint64
	IsDir bool
}

// Backend defines the capability set every storage medium must provide.
// Implementations can be local disk, object storage (S3) or any gocloud bucket.
// All methods must be safe for concurrent use.
type Backend interface {
	// IsDir / IsFile 永远不返回错误：任何歧义或临时故障都视为 false
	IsDir(ctx context.Context, uri types.URI) bool
	IsFile(ctx context.Context, uri types.URI) bool

	// CreateDir 可重复调用，不会破坏状态
	CreateDir(ctx context.Context, uri types.URI) error

	// CreateFile 创建一个空对象
	CreateFile(ctx context.Context, uri types.URI) error

	// List 非递归列举 uri 下的条目，delimiter 为空时递归列举。
	// 返回的序列是惰性的、有限的、可重复遍历的 (每次 range 都会重新列举)。
	// 顺序由后端决定。
	List(ctx context.Context, uri types.URI, delimiter string) iter.Seq2[Entry, error]

	// RemoveFile / RemovePath 都是幂等的：删除不存在的路径视为成功。
	// RemovePath 递归删除 uri 下的所有对象。
	RemoveFile(ctx context.Context, uri types.URI) error
	RemovePath(ctx context.Context, uri types.URI) error

	// Read 从 offset 开始精确读取 len(buf) 个字节到调用方的 buffer。
	// 对象不存在或范围越界时返回 ErrIO。
	Read(ctx context.Context, uri types.URI, offset uint64, buf []byte) error

	// AppendWrite 逻辑上的顺序追加写。
	// 对于没有原生 append 的后端，数据在 FlushFile 之前可能不可见。
	AppendWrite(ctx context.Context, uri types.URI, data []byte) error

	// FlushFile 提交该路径上的写会话 (multipart upload / 流式 writer)。
	// 从未写过的路径是 no-op；有写会话的后端在已提交且没有新写入时再次调用返回 ErrInvalidState，
	// 本地磁盘只做 fsync。
	FlushFile(ctx context.Context, uri types.URI) error

	// FileSize 当 uri 不能精确解析到一个对象时返回 ErrIO
	FileSize(ctx context.Context, uri types.URI) (uint64, error)

	// MovePath best-effort 重命名。没有原子 rename 的后端用 copy+delete 实现，
	// 这种情况下不是原子操作。
	MovePath(ctx context.Context, oldURI, newURI types.URI) error

	// Close 提交所有仍然打开的写会话。
	// 某个会话失败不会阻止其余会话的提交，所有错误合并返回。
	Close(ctx context.Context) error
}

// Rooted 是有默认根目录的后端 (磁盘目录、默认 bucket)
type Rooted interface {
	Root() types.URI
}

// Collect 把 List 的结果收集成 slice
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var entries []Entry
	for e, err := range seq {
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
