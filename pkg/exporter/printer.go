package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"tilevault/pkg/fragment"
	"tilevault/pkg/storagemgr"
)

// PrintMetadata 打印 fragment 元数据的摘要和每个属性文件的大小
func PrintMetadata(meta *fragment.Metadata, w io.Writer) error {
	schema := meta.Schema()
	kind := "sparse"
	if meta.Dense() {
		kind = "dense"
	}

	fmt.Fprintf(w, "Fragment: %s\n", meta.URI())
	fmt.Fprintf(w, "Type:     %s\n", kind)
	fmt.Fprintf(w, "Time:     %s\n", meta.Timestamp().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Cells:    %d\n", meta.CellNum())
	fmt.Fprintf(w, "Tiles:    %d (last tile %d cells)\n", meta.TileNum(), meta.LastTileCellNum())
	fmt.Fprintf(w, "Domain:   %v\n", meta.NonEmptyDomain())
	if !meta.Dense() {
		fmt.Fprintf(w, "MBRs:     %d\n", len(meta.MBRs()))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ATTRIBUTE\tTILES\tSIZE\tVAR SIZE\n")
	for id := 0; id <= schema.CoordsID(); id++ {
		offs := meta.TileOffsets(id)
		if len(offs) == 0 {
			continue
		}
		varSize := "-"
		if schema.VarSize(id) {
			varSize = fmtSize(meta.FileVarSize(id))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", schema.AttributeName(id), len(offs), fmtSize(meta.FileSize(id)), varSize)
	}
	return tw.Flush()
}

// PrintFragments 打印 ListFragments 的结果
func PrintFragments(frags []storagemgr.FragmentInfo, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "CREATED\tNAME\n")
	for _, f := range frags {
		fmt.Fprintf(tw, "%s\t%s\n", f.Timestamp.UTC().Format(time.RFC3339), f.URI.LastPathPart())
	}
	return tw.Flush()
}

func fmtSize(s uint64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
