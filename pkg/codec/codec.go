// Package codec 定义了持久化元数据 (fragment metadata、array schema) 的二进制格式：
// 规范化的 CBOR，外面包一层带压缩标记和 BLAKE3 校验和的信封。
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Magic 出现在每个信封的开头，用于快速识别文件类型
const Magic = "TVMD"

// Version 是当前的信封格式版本
const Version uint8 = 1

// maxPayloadSize 限制解压后的大小，防止损坏的头部导致巨大的内存分配
const maxPayloadSize = 1 << 30

// ErrCorrupt 数据无法解析或校验和不匹配
var ErrCorrupt = errors.New("corrupt metadata")

// 规范化 (Canonical) 编码选项：
// 相同的值永远编码成相同的字节，校验和因此是稳定的
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序
	Sort: cbor.SortCanonical,
	// 2. 浮点数统一使用 64 位
	ShortestFloat: cbor.ShortestFloatNone,
	// 3. 时间格式化为 Unix 整数
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,
	// 4. 禁止不定长编码
	IndefLength: cbor.IndefLengthForbidden,
}

var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// --- 安全性配置 ---
	// tile offsets 数组可能很长，但嵌套深度很浅
	MaxArrayElements: 1 << 24,
	MaxMapPairs:      10000,
	MaxNestedLevels:  32,

	// --- 规范性配置 ---
	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	TimeTag:     cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// envelope 是写入存储的外层结构
type envelope struct {
	Magic       string      `cbor:"1,keyasint"`
	Version     uint8       `cbor:"2,keyasint"`
	Compression Compression `cbor:"3,keyasint"`
	Size        uint64      `cbor:"4,keyasint"` // 未压缩的 payload 大小
	Checksum    []byte      `cbor:"5,keyasint"` // BLAKE3(未压缩的 payload)
	Payload     []byte      `cbor:"6,keyasint"`
}

// Codec 负责元数据对象的序列化，可以并发使用
type Codec struct {
	compression Compression
}

// New 创建一个使用指定压缩算法写入的 Codec，读取时支持所有算法
func New(c Compression) *Codec {
	return &Codec{compression: c}
}

// Default 使用 zstd
func Default() *Codec {
	return New(CompressionZstd)
}

// Compression 返回写入时使用的压缩算法
func (c *Codec) Compression() Compression {
	return c.compression
}

// Marshal 编码 v 并封装成信封
func (c *Codec) Marshal(v any) ([]byte, error) {
	payload, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	sum := blake3.Sum256(payload)

	env := envelope{
		Magic:       Magic,
		Version:     Version,
		Compression: c.compression,
		Size:        uint64(len(payload)),
		Checksum:    sum[:],
	}

	compressed, err := compress(payload, c.compression)
	switch {
	case errors.Is(err, errIncompressible):
		// 压缩不划算，原样存储
		env.Compression = CompressionNone
		env.Payload = payload
	case err != nil:
		return nil, err
	default:
		env.Payload = compressed
	}

	return em.Marshal(env)
}

// Unmarshal 拆开信封、解压、校验，然后解码到 v
func (c *Codec) Unmarshal(data []byte, v any) error {
	var env envelope
	if err := dm.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Magic != Magic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, env.Magic)
	}
	if env.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}

	if env.Size > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d too large", ErrCorrupt, env.Size)
	}

	payload, err := decompress(env.Payload, env.Compression, int(env.Size))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], env.Checksum) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if err := dm.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
