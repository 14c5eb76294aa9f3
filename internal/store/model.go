package store

// RecordRow caches the winning envelope per replaceable key so reads
// survive windows where no relay responds.
type RecordRow struct {
	Author           string `gorm:"column:author;primaryKey;size:190;not null"`
	Kind             int    `gorm:"column:kind;primaryKey;not null;index:idx_record_cache_kind_created,priority:1"`
	DTag             string `gorm:"column:d_tag;primaryKey;size:190;not null"`
	RecordID         string `gorm:"column:record_id;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_record_cache_kind_created,priority:2"`
	EnvelopeJSON     string `gorm:"column:envelope_json;type:text;not null"`
	CachedAtSeconds  int64  `gorm:"column:cached_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "record_cache"
}
