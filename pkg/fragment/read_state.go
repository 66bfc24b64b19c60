package fragment

import (
	"context"
	"encoding/binary"
	"fmt"
)

// ReadState 根据 (不可变的) 元数据读取 tile。
// 它本身没有可变状态，可以被多个读者并发使用。
type ReadState struct {
	fragment *Fragment
	meta     *Metadata
}

func newReadState(f *Fragment, meta *Metadata) *ReadState {
	return &ReadState{fragment: f, meta: meta}
}

// tileRange 返回 tile 在文件中的 [offset, offset+size)
func tileRange(offsets []uint64, fileSize uint64, tile int) (uint64, uint64, error) {
	if tile < 0 || tile >= len(offsets) {
		return 0, 0, fmt.Errorf("tile %d out of range [0, %d)", tile, len(offsets))
	}
	start := offsets[tile]
	end := fileSize
	if tile+1 < len(offsets) {
		end = offsets[tile+1]
	}
	return start, end - start, nil
}

// ReadTile 读取属性 attr 的第 tile 个 tile (变长属性返回的是偏移量 tile)
func (rs *ReadState) ReadTile(ctx context.Context, attr int, tile int) ([]byte, error) {
	if attr < 0 || attr > rs.fragment.schema().CoordsID() {
		return nil, fmt.Errorf("attribute id %d out of range", attr)
	}
	offset, size, err := tileRange(rs.meta.TileOffsets(attr), rs.meta.FileSize(attr), tile)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := rs.fragment.backend.Read(ctx, rs.fragment.attrURI(attr), offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadVarTile 读取变长属性的第 tile 个 tile。
// 返回的偏移量是相对于 values 开头的，可以直接用来切分 values。
func (rs *ReadState) ReadVarTile(ctx context.Context, attr int, tile int) ([]uint64, []byte, error) {
	if !rs.fragment.schema().VarSize(attr) {
		return nil, nil, fmt.Errorf("attribute %s is not var-sized", rs.fragment.schema().AttributeName(attr))
	}

	raw, err := rs.ReadTile(ctx, attr, tile)
	if err != nil {
		return nil, nil, err
	}
	varOffsets := rs.meta.TileVarOffsets(attr)
	varSizes := rs.meta.TileVarSizes(attr)
	if tile >= len(varOffsets) || tile >= len(varSizes) {
		return nil, nil, fmt.Errorf("var tile %d out of range [0, %d)", tile, len(varOffsets))
	}
	base := varOffsets[tile]

	offsets := make([]uint64, len(raw)/8)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(raw[8*i:]) - base
	}

	values := make([]byte, varSizes[tile])
	if len(values) > 0 {
		if err := rs.fragment.backend.Read(ctx, rs.fragment.AttrVarURI(attr), base, values); err != nil {
			return nil, nil, err
		}
	}
	return offsets, values, nil
}

// TileNum 返回可读的 tile 数量
func (rs *ReadState) TileNum() int {
	return rs.meta.TileNum()
}
