package models

import "time"

// Profile is a persisted browser user-data directory
type Profile struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ArchivePath string    `json:"-"`
	SizeBytes   int64     `json:"sizeBytes"`
}
