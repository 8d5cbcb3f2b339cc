package controllers

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/imgconv/models"
	"github.com/cppla/imgconv/storage"
)

// Ledger keeps an optional database trail of uploads, conversions and downloads.
// Every write is best-effort: failures are logged and never reach the client.
// A Ledger with a nil database does nothing.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewLedger wraps db; db may be nil.
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, log: logger}
}

// Enabled reports whether records are persisted.
func (l *Ledger) Enabled() bool {
	return l != nil && l.db != nil
}

// RecordUpload stores a freshly accepted upload.
func (l *Ledger) RecordUpload(f *models.UploadedFile) {
	if !l.Enabled() {
		return
	}
	if err := l.db.Create(f).Error; err != nil {
		l.log.Warn("ledger record upload failed", zap.String("file_id", f.FileID), zap.Error(err))
	}
}

// RecordConversion marks the source upload consumed and stores the output.
func (l *Ledger) RecordConversion(f *models.ConvertedFile) {
	if !l.Enabled() {
		return
	}
	err := l.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Model(&models.UploadedFile{}).
			Where("file_id = ?", f.SourceFileID).
			Update("converted_at", &now).Error; err != nil {
			return err
		}
		return tx.Create(f).Error
	})
	if err != nil {
		l.log.Warn("ledger record conversion failed", zap.String("file_name", f.FileName), zap.Error(err))
	}
}

// MarkDownloaded stamps the first completed download of an output file.
func (l *Ledger) MarkDownloaded(fileName string) {
	if !l.Enabled() {
		return
	}
	now := time.Now()
	err := l.db.Model(&models.ConvertedFile{}).
		Where("file_name = ? AND downloaded_at IS NULL", fileName).
		Update("downloaded_at", &now).Error
	if err != nil {
		l.log.Warn("ledger mark downloaded failed", zap.String("file_name", fileName), zap.Error(err))
	}
}

// Forget drops the row of a file the janitor removed from disk.
func (l *Ledger) Forget(area, name string) {
	if !l.Enabled() {
		return
	}
	var err error
	switch area {
	case storage.AreaIntake:
		err = l.db.Where("file_id = ?", name).Delete(&models.UploadedFile{}).Error
	case storage.AreaOutput:
		err = l.db.Where("file_name = ?", name).Delete(&models.ConvertedFile{}).Error
	}
	if err != nil {
		l.log.Warn("ledger forget failed", zap.String("area", area), zap.String("file", name), zap.Error(err))
	}
}
