package option

import (
	"strconv"

	"github.com/taskora/metering/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm query before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type optionFunc func(*gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. One extra row is fetched so the
// caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 10
		}
		if p.PageToken != "" {
			cursor, err := pagination.DecodeCursor(p.PageToken)
			if err == nil && cursor.ID != "" {
				// Snowflake ids are time-ordered, so the id alone is a
				// stable cursor across dialects.
				if id, parseErr := strconv.ParseInt(cursor.ID, 10, 64); parseErr == nil {
					db = db.Where("id < ?", id)
				}
			}
		}
		return db.Limit(size + 1)
	})
}

// WithDescOrder orders results newest-first for cursor pagination.
func WithDescOrder() QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at DESC, id DESC")
	})
}
