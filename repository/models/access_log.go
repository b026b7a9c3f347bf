package models

import "time"

// Access log action kinds.
const (
	AccessActionDownload     = "download"
	AccessActionAPICall      = "api_call"
	AccessActionMetadataView = "metadata_view"
)

// AccessLogEntry records one access attempt against an asset. Writes are
// append-only; duplicate writes are not errors, the read path collapses
// them by a deterministic key.
type AccessLogEntry struct {
	ID             uint      `gorm:"column:access_log_id;primaryKey;autoIncrement"`
	OrganizationID string    `gorm:"column:organization_id;type:varchar(50);index;not null"`
	AssetID        string    `gorm:"column:asset_id;type:varchar(50);index;not null"`
	Action         string    `gorm:"column:action;type:varchar(20);not null"`
	Success        bool      `gorm:"column:success;not null"`
	ErrorMessage   string    `gorm:"column:error_message;type:text"`
	OccurredAt     time.Time `gorm:"column:occurred_at;not null;index"`
}
