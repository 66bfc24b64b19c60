package storagemgr

import (
	"fmt"

	"tilevault/pkg/array"
	"tilevault/pkg/fragment"
)

// Query 是 fragment.Query 的最小实现：一个 schema 加上按名字选出的属性
type Query struct {
	schema *array.Schema
	ids    []int
}

var _ fragment.Query = (*Query)(nil)

// NewQuery 按名字选择属性。没有给名字时选中所有属性 (稠密写入)；
// 名字里包含 array.CoordsName 时为稀疏写入。
func NewQuery(schema *array.Schema, attrNames ...string) (*Query, error) {
	q := &Query{schema: schema}
	if len(attrNames) == 0 {
		for i := range schema.AttributeNum() {
			q.ids = append(q.ids, i)
		}
		return q, nil
	}
	for _, name := range attrNames {
		id, err := schema.AttributeID(name)
		if err != nil {
			return nil, fmt.Errorf("build query: %w", err)
		}
		q.ids = append(q.ids, id)
	}
	return q, nil
}

func (q *Query) Schema() *array.Schema { return q.schema }
func (q *Query) AttributeIDs() []int   { return q.ids }
