package gormstore

import (
	"context"
	"errors"

	"github.com/converteja/creditledger/pkg/credits"
	"gorm.io/gorm"
)

// Directory answers account and job lookups against the shared SaaS tables.
// The ledger never writes to either table.
type Directory struct {
	db *gorm.DB
}

// NewDirectory returns a Directory backed by gorm.DB.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// AccountExists reports whether the user row exists.
func (directory *Directory) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var count int64
	err := directory.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", accountID).
		Count(&count).Error
	if err != nil {
		return false, credits.WrapError("directory", "user", errorCodeLookup, err)
	}
	return count > 0, nil
}

// GetJob returns the conversion job, or nil when absent.
func (directory *Directory) GetJob(ctx context.Context, jobID string) (*credits.Job, error) {
	var model ConversionJob
	err := directory.db.WithContext(ctx).
		Where("id = ?", jobID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, credits.WrapError("directory", "job", errorCodeLookup, err)
	}
	return &credits.Job{
		JobID:          model.JobID,
		Status:         model.Status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}
