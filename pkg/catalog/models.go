package catalog

import (
	"time"

	"gorm.io/datatypes"
)

// FragmentRecord 是一个已提交 fragment 在关系型数据库中的投影
type FragmentRecord struct {
	// URI 是 fragment 目录的正式 URI
	URI string `gorm:"primaryKey;type:varchar(1024)"`

	ArrayURI string `gorm:"index;type:varchar(1024);not null"`

	Dense        bool
	Consolidated bool
	CellNum      uint64
	TileNum      int

	// Timestamp 是 fragment 创建时间 (unix nanos)，用于按时间排序
	Timestamp int64 `gorm:"index"`

	// NonEmptyDomain 是 [lo, hi] 对组成的 JSON 数组
	NonEmptyDomain datatypes.JSON

	// FileSizes 每个属性文件的字节数，按属性名索引
	FileSizes datatypes.JSON

	CreatedAt time.Time
}

// TableName 强制指定表名
func (FragmentRecord) TableName() string {
	return "fragments"
}
