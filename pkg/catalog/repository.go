package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tilevault/pkg/fragment"
	"tilevault/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrFragmentNotFound = errors.New("fragment not found in catalog")

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 写入
// -----------------------------------------------------------------------------

// CommitFragment 在 fragment 成功 finalize 之后记录它
func (r *Repository) CommitFragment(ctx context.Context, meta *fragment.Metadata, consolidated bool) error {
	rec, err := newRecord(meta, consolidated)
	if err != nil {
		return err
	}
	return r.RecordFragment(ctx, rec)
}

// RecordFragment 幂等写入：URI 已存在时什么都不做
func (r *Repository) RecordFragment(ctx context.Context, rec *FragmentRecord) error {
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uri"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to record fragment: %w", err)
	}
	return nil
}

// DeleteFragment 删除 fragment 的记录，不存在时是 no-op
func (r *Repository) DeleteFragment(ctx context.Context, uri types.URI) error {
	err := r.db.GetConn().WithContext(ctx).
		Where("uri = ?", uri.String()).
		Delete(&FragmentRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete fragment: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 查询
// -----------------------------------------------------------------------------

func (r *Repository) GetFragment(ctx context.Context, uri types.URI) (*FragmentRecord, error) {
	var rec FragmentRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("uri = ?", uri.String()).
		First(&rec).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFragmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFragments 按时间顺序列出一个数组的 fragment，limit <= 0 表示不限
func (r *Repository) ListFragments(ctx context.Context, arrayURI types.URI, limit int) ([]FragmentRecord, error) {
	var recs []FragmentRecord
	q := r.db.GetConn().WithContext(ctx).
		Where("array_uri = ?", arrayURI.String()).
		Order("timestamp ASC").
		Order("uri ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// CountCells 一个数组所有 fragment 的 cell 总数
func (r *Repository) CountCells(ctx context.Context, arrayURI types.URI) (uint64, error) {
	var total uint64
	err := r.db.GetConn().WithContext(ctx).
		Model(&FragmentRecord{}).
		Where("array_uri = ?", arrayURI.String()).
		Select("COALESCE(SUM(cell_num), 0)").
		Scan(&total).Error
	return total, err
}

// newRecord 把元数据转换成表记录
func newRecord(meta *fragment.Metadata, consolidated bool) (*FragmentRecord, error) {
	schema := meta.Schema()

	domain, err := json.Marshal(meta.NonEmptyDomain())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal domain: %w", err)
	}

	sizes := make(map[string]uint64, schema.AttributeNum()+1)
	for id := 0; id <= schema.CoordsID(); id++ {
		size := meta.FileSize(id)
		if schema.VarSize(id) {
			size += meta.FileVarSize(id)
		}
		if size > 0 {
			sizes[schema.AttributeName(id)] = size
		}
	}
	sizesJSON, err := json.Marshal(sizes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file sizes: %w", err)
	}

	return &FragmentRecord{
		URI:            meta.URI().String(),
		ArrayURI:       schema.URI.String(),
		Dense:          meta.Dense(),
		Consolidated:   consolidated,
		CellNum:        meta.CellNum(),
		TileNum:        meta.TileNum(),
		Timestamp:      meta.Timestamp().UnixNano(),
		NonEmptyDomain: datatypes.JSON(domain),
		FileSizes:      datatypes.JSON(sizesJSON),
		CreatedAt:      meta.Timestamp(),
	}, nil
}
