// Package ingester 把一个字节流写成一个稠密 fragment：
// 数据按 tile 对齐切块，边读边写，不需要把整个文件读进内存。
package ingester

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tilevault/pkg/array"
	"tilevault/pkg/fragment"
	"tilevault/pkg/storagemgr"
)

// DefaultBufferSize 每次写入的大致字节数 (会向下对齐到整 tile)
const DefaultBufferSize = 1 << 20

type Ingester struct {
	mgr     *storagemgr.Manager
	bufSize int
}

func NewIngester(mgr *storagemgr.Manager) *Ingester {
	return &Ingester{mgr: mgr, bufSize: DefaultBufferSize}
}

// WithBufferSize 修改每次写入的字节数 (测试用小 buffer 覆盖多次写入)
func (ing *Ingester) WithBufferSize(n int) *Ingester {
	ing.bufSize = n
	return ing
}

// IngestFile 把 reader 中的数据写成 schema 唯一定长属性的一个稠密 fragment。
// size 为数据总字节数，用来确定非空域；size < 0 表示未知，
// 这时先按整个 domain 打开，读完之后再按实际写入的 cell 数收窄非空域。
// 返回 finalize 之后的 fragment。
func (ing *Ingester) IngestFile(ctx context.Context, schema *array.Schema, reader io.Reader, size int64) (*fragment.Fragment, error) {
	// 1. 只支持一维、单个定长属性
	if schema.AttributeNum() != 1 || schema.VarSize(0) || schema.DimNum != 1 {
		return nil, fmt.Errorf("ingest needs a 1-D array with one fixed-size attribute")
	}
	cellSize := int(schema.CellSize(0))

	var subarray []int64
	if size >= 0 {
		if size == 0 || size%int64(cellSize) != 0 {
			return nil, fmt.Errorf("input size %d is not a positive multiple of cell size %d", size, cellSize)
		}
		lo := schema.Domain[0]
		subarray = []int64{lo, lo + size/int64(cellSize) - 1}
	}

	q, err := storagemgr.NewQuery(schema)
	if err != nil {
		return nil, err
	}
	f, err := ing.mgr.FragmentOpenWrite(ctx, q, subarray, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// 2. 按 tile 对齐切块写入
	tileBytes := int(f.TileSize(0))
	bufSize := max(ing.bufSize/tileBytes, 1) * tileBytes
	buf := make([]byte, bufSize)

	var total int64
	for {
		n, rerr := io.ReadFull(reader, buf)
		if n > 0 {
			if n%cellSize != 0 {
				return nil, fmt.Errorf("input ends with a partial cell (%d trailing bytes)", n%cellSize)
			}
			if err := f.Write(ctx, [][]byte{buf[:n]}); err != nil {
				return nil, fmt.Errorf("failed to write fragment: %w", err)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("failed to read input: %w", rerr)
		}
	}
	if size >= 0 && total != size {
		return nil, fmt.Errorf("read %d bytes, expected %d", total, size)
	}
	if size < 0 {
		if total == 0 {
			return nil, fmt.Errorf("input is empty")
		}
		lo := schema.Domain[0]
		if err := f.Metadata().SetNonEmptyDomain([]int64{lo, lo + total/int64(cellSize) - 1}); err != nil {
			return nil, err
		}
	}

	// 3. 提交
	if err := f.Finalize(ctx); err != nil {
		return nil, err
	}
	return f, nil
}
