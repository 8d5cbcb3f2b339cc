package models

import "time"

// ConvertedFile records an output file awaiting download.
type ConvertedFile struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	FileName     string     `gorm:"size:191;uniqueIndex;not null" json:"file_name"`
	SourceFileID string     `gorm:"size:191;index" json:"source_file_id"`
	Format       string     `gorm:"size:8" json:"format"`
	Quality      int        `json:"quality"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Size         int64      `json:"size"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
