package models

import "time"

// File type tags reported for uploads.
const (
	FileTypeImage   = "image"
	FileTypeUnknown = "unknown"
)

// UploadedFile records a file accepted into the intake area.
type UploadedFile struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	FileID       string     `gorm:"size:191;uniqueIndex;not null" json:"file_id"` // on-disk name in the intake area
	OriginalName string     `gorm:"size:1024" json:"original_name"`
	Size         int64      `json:"size"`
	FileType     string     `gorm:"size:16" json:"file_type"`
	ContentType  string     `gorm:"size:255" json:"content_type"`
	ConvertedAt  *time.Time `json:"converted_at,omitempty"` // set once the intake file was consumed
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
