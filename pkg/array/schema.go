// Package array 定义了数组的 schema (属性、维度、tile 大小) 以及数组目录下的文件命名约定。
package array

import (
	"context"
	"fmt"

	"tilevault/pkg/codec"
	"tilevault/pkg/storage"
	"tilevault/pkg/types"
)

// 文件命名约定
const (
	// CellVarOffsetSize 变长属性每个 cell 的偏移量大小 (uint64)
	CellVarOffsetSize = 8

	// CoordsName 坐标"属性"的名字，稀疏 fragment 才有
	CoordsName = "__coords"

	// FileSuffix 所有数据文件的后缀
	FileSuffix = ".tdb"

	// VarSuffix 变长属性的值文件后缀 (偏移量写在普通的属性文件里)
	VarSuffix = "_var"

	// FragmentMetadataFile 是 fragment 目录下的元数据文件
	FragmentMetadataFile = "__fragment_metadata" + FileSuffix

	// SchemaFile 是数组目录下的 schema 文件
	SchemaFile = "__array_schema" + FileSuffix

	// ProvisionalPrefix 标记尚未 finalize 的 fragment 目录
	ProvisionalPrefix = "."

	// coordSize 坐标是 int64
	coordSize = 8
)

// Attribute 描述数组的一个属性
type Attribute struct {
	Name string `cbor:"1,keyasint"`
	// VarSize 为 true 时，每个 cell 的长度可变，CellSize 为单个值元素的大小
	VarSize  bool   `cbor:"2,keyasint"`
	CellSize uint64 `cbor:"3,keyasint"`
}

// Schema 是数组的结构定义，创建后不可变
type Schema struct {
	URI        types.URI   `cbor:"-"`
	Attributes []Attribute `cbor:"1,keyasint"`
	DimNum     int         `cbor:"2,keyasint"`
	// Domain 每个维度一对 [lo, hi] (闭区间)
	Domain []int64 `cbor:"3,keyasint"`
	// CellsPerTile 稠密 fragment 每个 tile 的 cell 数
	CellsPerTile uint64 `cbor:"4,keyasint"`
	// Capacity 稀疏 fragment 每个 tile 的 cell 数
	Capacity uint64 `cbor:"5,keyasint"`
}

// AttributeNum 返回真实属性的数量 (不含坐标)
func (s *Schema) AttributeNum() int {
	return len(s.Attributes)
}

// CoordsID 坐标的属性 id，等于 AttributeNum
func (s *Schema) CoordsID() int {
	return len(s.Attributes)
}

// CoordsSize 一个 cell 的坐标占用的字节数
func (s *Schema) CoordsSize() uint64 {
	return uint64(s.DimNum) * coordSize
}

// VarSize 判断属性 id 是否是变长的 (坐标永远是定长的)
func (s *Schema) VarSize(id int) bool {
	return id >= 0 && id < len(s.Attributes) && s.Attributes[id].VarSize
}

// CellSize 返回属性 id 在属性文件里每个 cell 占用的字节数
// 变长属性在属性文件里只存偏移量
func (s *Schema) CellSize(id int) uint64 {
	switch {
	case id == s.CoordsID():
		return s.CoordsSize()
	case s.VarSize(id):
		return CellVarOffsetSize
	default:
		return s.Attributes[id].CellSize
	}
}

// AttributeName 返回属性 id 的名字，坐标返回 CoordsName
func (s *Schema) AttributeName(id int) string {
	if id == s.CoordsID() {
		return CoordsName
	}
	return s.Attributes[id].Name
}

// AttributeID 按名字查找属性 id
func (s *Schema) AttributeID(name string) (int, error) {
	if name == CoordsName {
		return s.CoordsID(), nil
	}
	for i, a := range s.Attributes {
		if a.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("attribute %q not found", name)
}

// Validate 检查 schema 的合法性
func (s *Schema) Validate() error {
	if len(s.Attributes) == 0 {
		return fmt.Errorf("%w: schema has no attributes", storage.ErrInit)
	}
	seen := make(map[string]struct{}, len(s.Attributes))
	for _, a := range s.Attributes {
		if a.Name == "" || a.Name == CoordsName {
			return fmt.Errorf("%w: invalid attribute name %q", storage.ErrInit, a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate attribute %q", storage.ErrInit, a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.CellSize == 0 {
			return fmt.Errorf("%w: attribute %q has zero cell size", storage.ErrInit, a.Name)
		}
	}

	if s.DimNum <= 0 {
		return fmt.Errorf("%w: schema needs at least one dimension", storage.ErrInit)
	}
	if len(s.Domain) != 2*s.DimNum {
		return fmt.Errorf("%w: domain has %d bounds, want %d", storage.ErrInit, len(s.Domain), 2*s.DimNum)
	}
	for d := 0; d < s.DimNum; d++ {
		if s.Domain[2*d] > s.Domain[2*d+1] {
			return fmt.Errorf("%w: dimension %d has empty domain [%d, %d]",
				storage.ErrInit, d, s.Domain[2*d], s.Domain[2*d+1])
		}
	}

	if s.CellsPerTile == 0 || s.Capacity == 0 {
		return fmt.Errorf("%w: cells per tile and capacity must be positive", storage.ErrInit)
	}
	return nil
}

// SchemaURI 返回数组目录下 schema 文件的位置
func SchemaURI(arrayURI types.URI) types.URI {
	return arrayURI.JoinPath(SchemaFile)
}

// Store 把 schema 写到 <array>/__array_schema.tdb
func (s *Schema) Store(ctx context.Context, backend storage.Backend, c *codec.Codec) error {
	data, err := c.Marshal(s)
	if err != nil {
		return err
	}
	if err := backend.CreateDir(ctx, s.URI); err != nil {
		return err
	}
	uri := SchemaURI(s.URI)
	if err := backend.AppendWrite(ctx, uri, data); err != nil {
		return err
	}
	return backend.FlushFile(ctx, uri)
}

// Load 读取并校验数组的 schema
func Load(ctx context.Context, backend storage.Backend, arrayURI types.URI, c *codec.Codec) (*Schema, error) {
	uri := SchemaURI(arrayURI)
	data, err := ReadFile(ctx, backend, uri)
	if err != nil {
		return nil, err
	}

	var s Schema
	if err := c.Unmarshal(data, &s); err != nil {
		return nil, storage.IOError("load schema", uri.String(), err)
	}
	s.URI = arrayURI
	return &s, nil
}

// ReadFile 读取一个完整的小文件 (schema、元数据)
func ReadFile(ctx context.Context, backend storage.Backend, uri types.URI) ([]byte, error) {
	size, err := backend.FileSize(ctx, uri)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := backend.Read(ctx, uri, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
