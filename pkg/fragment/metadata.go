package fragment

import (
	"context"
	"fmt"
	"slices"
	"time"

	"tilevault/pkg/array"
	"tilevault/pkg/codec"
	"tilevault/pkg/storage"
	"tilevault/pkg/types"
)

// Metadata 是一个 fragment 的持久化索引：tile 偏移量、非空域、MBR 和文件大小。
// 写入期间由 WriteState 独占修改；Freeze (或 Persist) 之后不可变，可以被多个读者共享。
type Metadata struct {
	schema *array.Schema
	uri    types.URI
	frozen bool

	rec record
}

// record 是写入存储的部分，下标都是属性 id (最后一个是坐标)
type record struct {
	Dense          bool       `cbor:"1,keyasint"`
	NonEmptyDomain []int64    `cbor:"2,keyasint"`
	MBRs           [][]int64  `cbor:"3,keyasint"`
	TileOffsets    [][]uint64 `cbor:"4,keyasint"`
	TileVarOffsets [][]uint64 `cbor:"5,keyasint"`
	TileVarSizes   [][]uint64 `cbor:"6,keyasint"`
	FileSizes      []uint64   `cbor:"7,keyasint"`
	FileVarSizes   []uint64   `cbor:"8,keyasint"`
	LastTileCells  uint64     `cbor:"9,keyasint"`
	CellNum        uint64     `cbor:"10,keyasint"`
	Timestamp      int64      `cbor:"11,keyasint"`
}

// NewMetadata 创建一个空的 (未初始化的) 元数据
func NewMetadata(schema *array.Schema, dense bool, uri types.URI) *Metadata {
	n := schema.AttributeNum() + 1
	return &Metadata{
		schema: schema,
		uri:    uri,
		rec: record{
			Dense:          dense,
			TileOffsets:    make([][]uint64, n),
			TileVarOffsets: make([][]uint64, n),
			TileVarSizes:   make([][]uint64, n),
			FileSizes:      make([]uint64, n),
			FileVarSizes:   make([]uint64, n),
		},
	}
}

// Init 用 subarray 初始化非空域。subarray 为 nil 时使用整个数组的 domain。
// 稠密 fragment 的非空域就是 subarray；稀疏 fragment 的非空域由写入的坐标决定。
func (m *Metadata) Init(subarray []int64) error {
	if m.frozen {
		return errFrozen
	}
	domain := m.schema.Domain
	if subarray == nil {
		subarray = domain
	}
	if len(subarray) != 2*m.schema.DimNum {
		return fmt.Errorf("%w: subarray has %d bounds, want %d", storage.ErrInit, len(subarray), 2*m.schema.DimNum)
	}
	for d := 0; d < m.schema.DimNum; d++ {
		lo, hi := subarray[2*d], subarray[2*d+1]
		if lo > hi || lo < domain[2*d] || hi > domain[2*d+1] {
			return fmt.Errorf("%w: subarray [%d, %d] on dimension %d outside domain [%d, %d]",
				storage.ErrInit, lo, hi, d, domain[2*d], domain[2*d+1])
		}
	}

	if m.rec.Dense {
		m.rec.NonEmptyDomain = slices.Clone(subarray)
	}
	m.rec.Timestamp = time.Now().UnixNano()
	return nil
}

// SetNonEmptyDomain 在写入结束后收窄稠密 fragment 的非空域 (比如写入前不知道数据量)。
// 新的非空域必须落在 schema 的 domain 之内。
func (m *Metadata) SetNonEmptyDomain(domain []int64) error {
	if m.frozen {
		return errFrozen
	}
	if !m.rec.Dense {
		return fmt.Errorf("%w: sparse fragments derive their domain from coordinates", storage.ErrInvalidState)
	}
	if len(domain) != 2*m.schema.DimNum {
		return fmt.Errorf("non-empty domain has %d bounds, want %d", len(domain), 2*m.schema.DimNum)
	}
	for d := 0; d < m.schema.DimNum; d++ {
		lo, hi := domain[2*d], domain[2*d+1]
		if lo > hi || lo < m.schema.Domain[2*d] || hi > m.schema.Domain[2*d+1] {
			return fmt.Errorf("non-empty domain [%d, %d] on dimension %d outside domain [%d, %d]",
				lo, hi, d, m.schema.Domain[2*d], m.schema.Domain[2*d+1])
		}
	}
	m.rec.NonEmptyDomain = slices.Clone(domain)
	return nil
}

var errFrozen = fmt.Errorf("%w: fragment metadata is immutable", storage.ErrInvalidState)

// AppendTileOffset 记录属性 attr 的下一个 tile，step 为该 tile 的字节数
func (m *Metadata) AppendTileOffset(attr int, step uint64) error {
	if m.frozen {
		return errFrozen
	}
	m.rec.TileOffsets[attr] = append(m.rec.TileOffsets[attr], m.rec.FileSizes[attr])
	m.rec.FileSizes[attr] += step
	return nil
}

// AppendTileVarOffset 记录变长属性 attr 的下一个值 tile 在 _var 文件中的位置
func (m *Metadata) AppendTileVarOffset(attr int, step uint64) error {
	if m.frozen {
		return errFrozen
	}
	m.rec.TileVarOffsets[attr] = append(m.rec.TileVarOffsets[attr], m.rec.FileVarSizes[attr])
	m.rec.TileVarSizes[attr] = append(m.rec.TileVarSizes[attr], step)
	m.rec.FileVarSizes[attr] += step
	return nil
}

// AppendMBR 记录稀疏 fragment 一个 tile 的最小外接矩形，并扩展非空域
func (m *Metadata) AppendMBR(mbr []int64) error {
	if m.frozen {
		return errFrozen
	}
	if len(mbr) != 2*m.schema.DimNum {
		return fmt.Errorf("mbr has %d bounds, want %d", len(mbr), 2*m.schema.DimNum)
	}
	m.rec.MBRs = append(m.rec.MBRs, slices.Clone(mbr))

	if m.rec.NonEmptyDomain == nil {
		m.rec.NonEmptyDomain = slices.Clone(mbr)
		return nil
	}
	for d := 0; d < m.schema.DimNum; d++ {
		m.rec.NonEmptyDomain[2*d] = min(m.rec.NonEmptyDomain[2*d], mbr[2*d])
		m.rec.NonEmptyDomain[2*d+1] = max(m.rec.NonEmptyDomain[2*d+1], mbr[2*d+1])
	}
	return nil
}

// AddCells 累加写入的 cell 数
func (m *Metadata) AddCells(n uint64) error {
	if m.frozen {
		return errFrozen
	}
	m.rec.CellNum += n
	return nil
}

// SetLastTileCellNum 记录最后一个 tile 的 cell 数 (可能不满)
func (m *Metadata) SetLastTileCellNum(n uint64) error {
	if m.frozen {
		return errFrozen
	}
	m.rec.LastTileCells = n
	return nil
}

// Freeze 之后所有修改操作都返回 ErrInvalidState
func (m *Metadata) Freeze() {
	m.frozen = true
}

func (m *Metadata) Frozen() bool                { return m.frozen }
func (m *Metadata) URI() types.URI              { return m.uri }
func (m *Metadata) Schema() *array.Schema       { return m.schema }
func (m *Metadata) Dense() bool                 { return m.rec.Dense }
func (m *Metadata) NonEmptyDomain() []int64     { return slices.Clone(m.rec.NonEmptyDomain) }
func (m *Metadata) MBRs() [][]int64             { return m.rec.MBRs }
func (m *Metadata) TileOffsets(attr int) []uint64 { return m.rec.TileOffsets[attr] }
func (m *Metadata) TileVarOffsets(attr int) []uint64 {
	return m.rec.TileVarOffsets[attr]
}
func (m *Metadata) TileVarSizes(attr int) []uint64 { return m.rec.TileVarSizes[attr] }
func (m *Metadata) FileSize(attr int) uint64       { return m.rec.FileSizes[attr] }
func (m *Metadata) FileVarSize(attr int) uint64    { return m.rec.FileVarSizes[attr] }
func (m *Metadata) LastTileCellNum() uint64        { return m.rec.LastTileCells }
func (m *Metadata) CellNum() uint64                { return m.rec.CellNum }
func (m *Metadata) Timestamp() time.Time           { return time.Unix(0, m.rec.Timestamp) }

// TileNum 返回 fragment 中 tile 的数量 (所有写入的属性 tile 数相同)
func (m *Metadata) TileNum() int {
	n := 0
	for _, offs := range m.rec.TileOffsets {
		n = max(n, len(offs))
	}
	return n
}

// MetadataURI 返回 fragment 目录下元数据文件的位置
func MetadataURI(fragmentURI types.URI) types.URI {
	return fragmentURI.JoinPath(array.FragmentMetadataFile)
}

// Persist 冻结元数据并写入 <fragment>/__fragment_metadata.tdb。
// 元数据只能写一次：已冻结 (已持久化或从存储加载) 的实例返回 ErrInvalidState。
func (m *Metadata) Persist(ctx context.Context, backend storage.Backend, c *codec.Codec) error {
	if m.frozen {
		return errFrozen
	}
	m.Freeze()

	data, err := c.Marshal(m.rec)
	if err != nil {
		return err
	}
	uri := MetadataURI(m.uri)
	if err := backend.AppendWrite(ctx, uri, data); err != nil {
		return err
	}
	return backend.FlushFile(ctx, uri)
}

// LoadMetadata 从存储中读取 fragment 的元数据，返回的实例已冻结
func LoadMetadata(ctx context.Context, backend storage.Backend, schema *array.Schema, uri types.URI, c *codec.Codec) (*Metadata, error) {
	metaURI := MetadataURI(uri)
	data, err := array.ReadFile(ctx, backend, metaURI)
	if err != nil {
		return nil, err
	}

	m := NewMetadata(schema, false, uri)
	if err := c.Unmarshal(data, &m.rec); err != nil {
		return nil, storage.IOError("load fragment metadata", metaURI.String(), err)
	}

	n := schema.AttributeNum() + 1
	if len(m.rec.TileOffsets) != n || len(m.rec.FileSizes) != n ||
		len(m.rec.TileVarOffsets) != n || len(m.rec.TileVarSizes) != n || len(m.rec.FileVarSizes) != n {
		return nil, storage.IOError("load fragment metadata", metaURI.String(),
			fmt.Errorf("metadata has %d attributes, schema has %d", len(m.rec.TileOffsets), n))
	}
	m.Freeze()
	return m, nil
}
