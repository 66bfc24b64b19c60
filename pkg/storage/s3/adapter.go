package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"tilevault/pkg/storage"
	"tilevault/pkg/storage/multipart"
	"tilevault/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DirSuffix 是目录标记对象的后缀 ("a/b" 目录 -> "a/b.dir" 空对象)
// S3 是扁平命名空间，没有真正的目录
const DirSuffix = ".dir"

// deleteBatch 是 DeleteObjects 一次最多删除的 key 数
const deleteBatch = 1000

// Adapter 实现了 storage.Backend 接口 (S3 / MinIO)
// S3 没有 append 操作，AppendWrite 通过 multipart.Writer 变成 multipart upload
type Adapter struct {
	client  *s3.Client
	bucket  string
	timeout time.Duration
	writer  *multipart.Writer
	logger  *slog.Logger
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// PartSize 即 multipart 的最小 part 大小，S3 要求 >= 5MiB (最后一个 part 除外)
	PartSize       int
	Concurrency    int
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
// 客户端由 Adapter 持有，不再是进程级的全局变量，可以同时存在多个实例
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时，注入特定于 S3 的配置
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// 【关键】MinIO 必须强制使用 Path Style
		o.UsePathStyle = true
	})

	a := NewWithClient(client, cfg)

	// 3. 确保 Bucket 存在
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			// 可能因为并发创建或权限问题报错，记录后继续
			a.logger.Warn("failed to ensure bucket exists",
				slog.String("bucket", cfg.Bucket),
				slog.String("err", err.Error()),
			)
		}
	}

	return a, nil
}

// NewWithClient 允许注入现有的客户端 (测试 / 复用连接池)
func NewWithClient(client *s3.Client, cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	a := &Adapter{
		client:  client,
		bucket:  cfg.Bucket,
		timeout: timeout,
		logger:  logger,
	}

	wopts := multipart.DefaultOptions()
	if cfg.PartSize > 0 {
		wopts.MinPartSize = cfg.PartSize
	}
	if cfg.Concurrency > 0 {
		wopts.Concurrency = cfg.Concurrency
	}
	wopts.RequestTimeout = timeout
	wopts.Logger = logger
	a.writer = multipart.NewWriter(a, wopts)
	return a
}

// Root 返回 bucket 根目录的 URI
func (s *Adapter) Root() types.URI {
	return types.URI("s3://" + s.bucket)
}

// Writer 暴露内部的写缓冲 (用于统计和测试)
func (s *Adapter) Writer() *multipart.Writer {
	return s.writer
}

// locate 把 URI 拆成 bucket + key
// URI 中带了 authority 就用它做 bucket，否则用默认 bucket
func (s *Adapter) locate(uri types.URI) (string, string) {
	bucket := uri.Authority()
	if bucket == "" {
		bucket = s.bucket
	}
	return bucket, uri.Key()
}

func (s *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// -----------------------------------------------------------------------------
// 1. 存在性 / 目录
// -----------------------------------------------------------------------------

func (s *Adapter) headObject(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
}

// IsDir 目录标记存在，或者前缀下至少有一个对象
func (s *Adapter) IsDir(ctx context.Context, uri types.URI) bool {
	bucket, key := s.locate(uri)
	if key == "" {
		return true // bucket 根目录
	}
	if _, err := s.headObject(ctx, bucket, key+DirSuffix); err == nil {
		return true
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false
	}
	return len(resp.Contents) > 0
}

func (s *Adapter) IsFile(ctx context.Context, uri types.URI) bool {
	bucket, key := s.locate(uri)
	if key == "" {
		return false
	}
	_, err := s.headObject(ctx, bucket, key)
	return err == nil
}

func (s *Adapter) putEmpty(ctx context.Context, bucket, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	return err
}

func (s *Adapter) CreateDir(ctx context.Context, uri types.URI) error {
	bucket, key := s.locate(uri)
	if err := s.putEmpty(ctx, bucket, key+DirSuffix); err != nil {
		return storage.IOError("create dir", uri.String(), err)
	}
	return nil
}

func (s *Adapter) CreateFile(ctx context.Context, uri types.URI) error {
	bucket, key := s.locate(uri)
	if err := s.putEmpty(ctx, bucket, key); err != nil {
		return storage.IOError("create file", uri.String(), err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 列举 / 删除
// -----------------------------------------------------------------------------

// List 使用 delimiter 模拟层级目录
// 目录既可能来自 CommonPrefixes，也可能来自 ".dir" 标记对象，需要去重
func (s *Adapter) List(ctx context.Context, uri types.URI, delimiter string) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		bucket, key := s.locate(uri)
		prefix := ""
		if key != "" {
			prefix = key + "/"
		}
		base := types.URI("s3://" + bucket)

		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		}
		if delimiter != "" {
			input.Delimiter = aws.String(delimiter)
		}

		seenDirs := make(map[string]struct{})
		emitDir := func(name string) bool {
			if _, ok := seenDirs[name]; ok {
				return true
			}
			seenDirs[name] = struct{}{}
			return yield(storage.Entry{URI: base.JoinPath(name), IsDir: true}, nil)
		}

		p := s3.NewListObjectsV2Paginator(s.client, input)
		for p.HasMorePages() {
			pageCtx, cancel := s.withTimeout(ctx)
			page, err := p.NextPage(pageCtx)
			cancel()
			if err != nil {
				yield(storage.Entry{}, storage.IOError("list", uri.String(), err))
				return
			}

			for _, cp := range page.CommonPrefixes {
				if !emitDir(strings.TrimSuffix(aws.ToString(cp.Prefix), "/")) {
					return
				}
			}
			for _, obj := range page.Contents {
				k := aws.ToString(obj.Key)
				if delimiter != "" && strings.HasSuffix(k, DirSuffix) {
					if !emitDir(strings.TrimSuffix(k, DirSuffix)) {
						return
					}
					continue
				}
				e := storage.Entry{URI: base.JoinPath(k), Size: uint64(aws.ToInt64(obj.Size))}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

func (s *Adapter) RemoveFile(ctx context.Context, uri types.URI) error {
	// 正在写的文件：先丢弃未提交的 upload，避免孤儿 part
	if err := s.writer.Abort(ctx, uri.String()); err != nil {
		return err
	}

	bucket, key := s.locate(uri)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// DeleteObject 对不存在的 key 也返回成功
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil && !isNotFound(err) {
		return storage.IOError("remove file", uri.String(), err)
	}
	return nil
}

// keysUnder 返回目录下的全部 key (递归) 以及目录标记本身
func (s *Adapter) keysUnder(ctx context.Context, uri types.URI) ([]string, error) {
	bucket, key := s.locate(uri)
	var keys []string
	for e, err := range s.List(ctx, uri, "") {
		if err != nil {
			return nil, err
		}
		_, k := s.locate(e.URI)
		keys = append(keys, k)
	}
	if _, err := s.headObject(ctx, bucket, key+DirSuffix); err == nil {
		keys = append(keys, key+DirSuffix)
	}
	return keys, nil
}

// RemovePath 删除 uri 下的所有对象 (包括目录标记)，不存在时视为成功
func (s *Adapter) RemovePath(ctx context.Context, uri types.URI) error {
	for _, k := range s.writer.Sessions() {
		if types.URI(k).HasPrefix(uri) {
			if err := s.writer.Abort(ctx, k); err != nil {
				return err
			}
		}
	}

	bucket, _ := s.locate(uri)
	keys, err := s.keysUnder(ctx, uri)
	if err != nil {
		return err
	}
	return s.deleteKeys(ctx, bucket, keys, uri)
}

func (s *Adapter) deleteKeys(ctx context.Context, bucket string, keys []string, uri types.URI) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(k)})
		}

		callCtx, cancel := s.withTimeout(ctx)
		resp, err := s.client.DeleteObjects(callCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		cancel()
		if err != nil {
			return storage.IOError("remove path", uri.String(), err)
		}
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return storage.IOError("remove path", uri.String(),
				fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// 3. 读 / 写
// -----------------------------------------------------------------------------

func (s *Adapter) Read(ctx context.Context, uri types.URI, offset uint64, buf []byte) error {
	bucket, key := s.locate(uri)
	if len(buf) == 0 {
		if _, err := s.headObject(ctx, bucket, key); err != nil {
			return s.mapError("read", uri, err)
		}
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(len(buf))-1)),
	})
	if err != nil {
		return s.mapError("read", uri, err)
	}
	defer resp.Body.Close()

	// Range 超出对象末尾时 S3 会返回截断的数据，ReadFull 会发现
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return storage.IOError("read", uri.String(),
			fmt.Errorf("range [%d, %d): %w", offset, offset+uint64(len(buf)), err))
	}
	return nil
}

// AppendWrite 交给 multipart.Writer，第一次写入时打开 upload 会话
func (s *Adapter) AppendWrite(ctx context.Context, uri types.URI, data []byte) error {
	return s.writer.Append(ctx, uri.String(), data)
}

// FlushFile 提交该路径的 multipart upload
func (s *Adapter) FlushFile(ctx context.Context, uri types.URI) error {
	return s.writer.Finalize(ctx, uri.String())
}

func (s *Adapter) FileSize(ctx context.Context, uri types.URI) (uint64, error) {
	bucket, key := s.locate(uri)
	resp, err := s.headObject(ctx, bucket, key)
	if err != nil {
		return 0, s.mapError("file size", uri, err)
	}
	return uint64(aws.ToInt64(resp.ContentLength)), nil
}

// MovePath 通过 copy + delete 实现，【注意】不是原子操作：
// 中途失败时新旧两个位置可能都有部分对象。
func (s *Adapter) MovePath(ctx context.Context, oldURI, newURI types.URI) error {
	for _, k := range s.writer.Sessions() {
		if types.URI(k).HasPrefix(oldURI) {
			return fmt.Errorf("%w: %s has an open upload session", storage.ErrInvalidState, k)
		}
	}

	oldBucket, oldKey := s.locate(oldURI)
	newBucket, newKey := s.locate(newURI)

	// 1. 单个文件
	var keys []string
	if s.IsFile(ctx, oldURI) {
		keys = []string{oldKey}
	} else {
		var err error
		keys, err = s.keysUnder(ctx, oldURI)
		if err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return storage.IOError("move", oldURI.String(), storage.ErrNotFound)
	}

	// 2. 逐个复制
	for _, k := range keys {
		dst := newKey + strings.TrimPrefix(k, oldKey)
		callCtx, cancel := s.withTimeout(ctx)
		_, err := s.client.CopyObject(callCtx, &s3.CopyObjectInput{
			Bucket:     aws.String(newBucket),
			Key:        aws.String(dst),
			CopySource: aws.String(copySource(oldBucket, k)),
		})
		cancel()
		if err != nil {
			return storage.IOError("move", oldURI.String(), err)
		}
	}

	// 3. 删除旧对象
	return s.deleteKeys(ctx, oldBucket, keys, oldURI)
}

// Close 提交所有打开的 upload 会话
func (s *Adapter) Close(ctx context.Context) error {
	return s.writer.Close(ctx)
}

// -----------------------------------------------------------------------------
// 4. multipart.API 实现
// -----------------------------------------------------------------------------

func (s *Adapter) CreateUpload(ctx context.Context, key string) (string, error) {
	bucket, k := s.locate(types.URI(key))
	resp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(k),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(resp.UploadId), nil
}

func (s *Adapter) UploadPart(ctx context.Context, key, uploadID string, number int32, data []byte) (string, error) {
	bucket, k := s.locate(types.URI(key))
	resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(k),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(resp.ETag), nil
}

func (s *Adapter) CompleteUpload(ctx context.Context, key, uploadID string, parts []multipart.Part) error {
	bucket, k := s.locate(types.URI(key))
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(k),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	return err
}

func (s *Adapter) AbortUpload(ctx context.Context, key, uploadID string) error {
	bucket, k := s.locate(types.URI(key))
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(k),
		UploadId: aws.String(uploadID),
	})
	return err
}

// -----------------------------------------------------------------------------
// 5. 辅助函数
// -----------------------------------------------------------------------------

func (s *Adapter) mapError(op string, uri types.URI, err error) error {
	if isNotFound(err) {
		return storage.IOError(op, uri.String(), storage.ErrNotFound)
	}
	return storage.IOError(op, uri.String(), err)
}

// isNotFound 将 AWS 的 NoSuchKey / NotFound 错误识别出来
func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	// 兼容性：某些 S3 实现可能返回 generic 404 error string
	return strings.Contains(err.Error(), "404")
}

// copySource 构造 CopyObject 需要的 "bucket/key"，每一段都需要 URL 编码
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
