package fragment

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"tilevault/pkg/storage"
)

// WriteState 把调用方的属性 buffer 切分成 tile，满一个 tile 就追加写到存储。
// 只由一个写者使用，内部不加锁。
type WriteState struct {
	fragment *Fragment
	meta     *Metadata

	// 以下下标都是属性 id
	tiles     [][]byte // 当前 tile 已缓冲的字节 (变长属性为偏移量)
	varTiles  [][]byte // 变长属性当前 tile 的值
	tileCells []uint64 // 当前 tile 中的 cell 数
	written   []bool   // 写过数据的属性，finalize 时需要 flush 对应的文件

	// 稀疏 fragment 当前坐标 tile 的 MBR
	mbr []int64

	// 追加阶段的存储错误。之后 tile 可能不对齐，不再接受写入
	err error
}

func newWriteState(f *Fragment) *WriteState {
	n := f.schema().AttributeNum() + 1
	return &WriteState{
		fragment:  f,
		meta:      f.meta,
		tiles:     make([][]byte, n),
		varTiles:  make([][]byte, n),
		tileCells: make([]uint64, n),
		written:   make([]bool, n),
	}
}

// cellsPerTile 稠密 fragment 用 schema 的 tile 大小，稀疏 fragment 用 capacity
func (ws *WriteState) cellsPerTile() uint64 {
	s := ws.fragment.schema()
	if ws.meta.Dense() {
		return s.CellsPerTile
	}
	return s.Capacity
}

// Write 按查询的属性顺序消费 buffers：定长属性一个 buffer，
// 变长属性两个 (小端 uint64 偏移量、值)。
func (ws *WriteState) Write(ctx context.Context, buffers [][]byte) error {
	if ws.err != nil {
		return fmt.Errorf("%w: an earlier write failed: %w", storage.ErrInvalidState, ws.err)
	}
	s := ws.fragment.schema()
	ids := ws.fragment.query.AttributeIDs()

	// 1. 先检查 buffer 的数量和对齐，避免写到一半才发现参数错误
	want := 0
	for _, id := range ids {
		want++
		if s.VarSize(id) {
			want++
		}
	}
	if len(buffers) != want {
		return fmt.Errorf("expected %d buffers for %d attributes, got %d", want, len(ids), len(buffers))
	}

	// 2. 校验每个属性的 cell 数和变长偏移量。任何 tile 在这之前都没有被改动，
	//    被拒绝的写入不会在 buffer 里留下残余的 cell
	var cellNum uint64
	b := 0
	for i, id := range ids {
		var n uint64
		var err error
		if s.VarSize(id) {
			n, err = ws.checkVar(id, buffers[b], buffers[b+1])
			b += 2
		} else {
			n, err = ws.checkFixed(id, buffers[b])
			b++
		}
		if err != nil {
			return err
		}
		if i == 0 {
			cellNum = n
		} else if n != cellNum {
			return fmt.Errorf("attribute %s has %d cells, expected %d", s.AttributeName(id), n, cellNum)
		}
	}

	// 3. 追加到 tile
	b = 0
	for _, id := range ids {
		var err error
		if s.VarSize(id) {
			err = ws.writeVar(ctx, id, buffers[b], buffers[b+1])
			b += 2
		} else {
			err = ws.writeFixed(ctx, id, buffers[b])
			b++
		}
		if err != nil {
			ws.err = err
			return err
		}
	}
	return ws.meta.AddCells(cellNum)
}

// checkFixed 返回定长属性 buffer 中的 cell 数
func (ws *WriteState) checkFixed(id int, buf []byte) (uint64, error) {
	s := ws.fragment.schema()
	cellSize := s.CellSize(id)
	if uint64(len(buf))%cellSize != 0 {
		return 0, fmt.Errorf("buffer for %s is %d bytes, not a multiple of cell size %d",
			s.AttributeName(id), len(buf), cellSize)
	}
	return uint64(len(buf)) / cellSize, nil
}

// checkVar 返回变长属性的 cell 数，偏移量必须单调且不超过值 buffer
func (ws *WriteState) checkVar(id int, offsetBuf, values []byte) (uint64, error) {
	s := ws.fragment.schema()
	if len(offsetBuf)%8 != 0 {
		return 0, fmt.Errorf("offset buffer for %s is %d bytes, not a multiple of 8", s.AttributeName(id), len(offsetBuf))
	}
	cells := uint64(len(offsetBuf)) / 8
	for i := range cells {
		start, end := cellRange(offsetBuf, values, i, cells)
		if start > end || end > uint64(len(values)) {
			return 0, fmt.Errorf("offsets for %s are not monotonic or exceed %d value bytes", s.AttributeName(id), len(values))
		}
	}
	return cells, nil
}

// cellRange 第 i 个变长 cell 在值 buffer 中的 [start, end)
func cellRange(offsetBuf, values []byte, i, cells uint64) (uint64, uint64) {
	start := binary.LittleEndian.Uint64(offsetBuf[8*i:])
	end := uint64(len(values))
	if i+1 < cells {
		end = binary.LittleEndian.Uint64(offsetBuf[8*(i+1):])
	}
	return start, end
}

// writeFixed 把已校验的定长属性 cell 追加到 tile
func (ws *WriteState) writeFixed(ctx context.Context, id int, buf []byte) error {
	s := ws.fragment.schema()
	cellSize := s.CellSize(id)
	perTile := ws.cellsPerTile()
	isCoords := id == s.CoordsID()

	for len(buf) > 0 {
		room := (perTile - ws.tileCells[id]) * cellSize
		take := min(room, uint64(len(buf)))
		chunk := buf[:take]
		buf = buf[take:]

		if isCoords {
			ws.expandMBR(chunk)
		}
		ws.tiles[id] = append(ws.tiles[id], chunk...)
		ws.tileCells[id] += take / cellSize

		if ws.tileCells[id] == perTile {
			if err := ws.flushTile(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeVar 变长属性：偏移量改写成 _var 文件中的绝对位置，值追加到值 tile
func (ws *WriteState) writeVar(ctx context.Context, id int, offsetBuf, values []byte) error {
	cells := uint64(len(offsetBuf)) / 8
	perTile := ws.cellsPerTile()

	for i := range cells {
		start, end := cellRange(offsetBuf, values, i, cells)

		// 该 cell 在 _var 文件中的位置 = 已提交的大小 + 当前值 tile 的长度
		pos := ws.meta.FileVarSize(id) + uint64(len(ws.varTiles[id]))
		ws.tiles[id] = binary.LittleEndian.AppendUint64(ws.tiles[id], pos)
		ws.varTiles[id] = append(ws.varTiles[id], values[start:end]...)
		ws.tileCells[id]++

		if ws.tileCells[id] == perTile {
			if err := ws.flushTile(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandMBR 用一批坐标扩展当前 tile 的 MBR
func (ws *WriteState) expandMBR(coords []byte) {
	dims := ws.fragment.schema().DimNum
	if ws.mbr == nil {
		ws.mbr = make([]int64, 2*dims)
		for d := 0; d < dims; d++ {
			ws.mbr[2*d] = math.MaxInt64
			ws.mbr[2*d+1] = math.MinInt64
		}
	}
	for off := 0; off+8*dims <= len(coords); off += 8 * dims {
		for d := 0; d < dims; d++ {
			v := int64(binary.LittleEndian.Uint64(coords[off+8*d:]))
			ws.mbr[2*d] = min(ws.mbr[2*d], v)
			ws.mbr[2*d+1] = max(ws.mbr[2*d+1], v)
		}
	}
}

// flushTile 把属性 id 的当前 tile 追加写到存储并记录偏移量
func (ws *WriteState) flushTile(ctx context.Context, id int) error {
	tile := ws.tiles[id]
	if len(tile) == 0 {
		return nil
	}
	f := ws.fragment
	backend := f.backend
	ws.written[id] = true

	if err := backend.AppendWrite(ctx, f.attrURI(id), tile); err != nil {
		return err
	}
	if err := ws.meta.AppendTileOffset(id, uint64(len(tile))); err != nil {
		return err
	}

	if f.schema().VarSize(id) {
		vals := ws.varTiles[id]
		if len(vals) > 0 {
			if err := backend.AppendWrite(ctx, f.AttrVarURI(id), vals); err != nil {
				return err
			}
		}
		if err := ws.meta.AppendTileVarOffset(id, uint64(len(vals))); err != nil {
			return err
		}
		ws.varTiles[id] = ws.varTiles[id][:0]
	}

	if id == f.schema().CoordsID() && ws.mbr != nil {
		if err := ws.meta.AppendMBR(ws.mbr); err != nil {
			return err
		}
		ws.mbr = nil
	}

	ws.tiles[id] = ws.tiles[id][:0]
	ws.tileCells[id] = 0
	return nil
}

// finalize 写出不满的最后一个 tile，然后提交每个数据文件的写会话。
// 所有步骤都会执行，返回第一个错误。
func (ws *WriteState) finalize(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s := ws.fragment.schema()
	ids := ws.fragment.query.AttributeIDs()

	// 1. 最后一个 tile 的 cell 数 (以第一个属性为准)
	if len(ids) > 0 {
		last := ws.tileCells[ids[0]]
		if last == 0 && ws.meta.TileNum() > 0 {
			last = ws.cellsPerTile()
		}
		keep(ws.meta.SetLastTileCellNum(last))
	}

	// 2. 不满的 tile
	for _, id := range ids {
		keep(ws.flushTile(ctx, id))
	}

	// 3. 提交写会话
	for _, id := range ids {
		if !ws.written[id] {
			continue
		}
		keep(ws.fragment.backend.FlushFile(ctx, ws.fragment.attrURI(id)))
		if s.VarSize(id) && ws.meta.FileVarSize(id) > 0 {
			keep(ws.fragment.backend.FlushFile(ctx, ws.fragment.AttrVarURI(id)))
		}
	}
	return firstErr
}

// release 丢弃缓冲的数据
func (ws *WriteState) release() {
	ws.tiles = nil
	ws.varTiles = nil
	ws.mbr = nil
}
