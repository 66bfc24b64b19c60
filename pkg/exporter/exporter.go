package exporter

import (
	"context"
	"fmt"
	"io"

	"tilevault/pkg/array"
	"tilevault/pkg/storagemgr"
	"tilevault/pkg/types"
)

type Exporter struct {
	mgr *storagemgr.Manager
}

func NewExporter(mgr *storagemgr.Manager) *Exporter {
	return &Exporter{mgr: mgr}
}

// ExportAttribute 按 tile 顺序把 fragment 中一个属性的原始字节写入 writer。
// 变长属性只输出值，不输出偏移量。
func (e *Exporter) ExportAttribute(ctx context.Context, schema *array.Schema, fragURI types.URI, attr string, writer io.Writer) error {
	// 1. 打开 fragment (元数据走 open array 缓存)
	id, err := schema.AttributeID(attr)
	if err != nil {
		return err
	}
	q, err := storagemgr.NewQuery(schema, attr)
	if err != nil {
		return err
	}
	f, err := e.mgr.FragmentOpenRead(ctx, q, fragURI)
	if err != nil {
		return fmt.Errorf("failed to open fragment %s: %w", fragURI, err)
	}
	defer e.mgr.FragmentCloseRead(f)

	// 2. 逐个 tile 流式写出
	rs := f.ReadState()
	for tile := range rs.TileNum() {
		var data []byte
		if schema.VarSize(id) {
			_, data, err = rs.ReadVarTile(ctx, id, tile)
		} else {
			data, err = rs.ReadTile(ctx, id, tile)
		}
		if err != nil {
			return fmt.Errorf("failed to read tile %d: %w", tile, err)
		}
		if _, err := writer.Write(data); err != nil {
			return fmt.Errorf("failed to write tile %d data: %w", tile, err)
		}
	}
	return nil
}
