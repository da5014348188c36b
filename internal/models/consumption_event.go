package models

import "time"

type DownloadFormat string

const (
	FormatMP4  DownloadFormat = "mp4"
	FormatMOV  DownloadFormat = "mov"
	FormatGIF  DownloadFormat = "gif"
	FormatWEBM DownloadFormat = "webm"
)

func (f DownloadFormat) Valid() bool {
	switch f {
	case FormatMP4, FormatMOV, FormatGIF, FormatWEBM:
		return true
	}
	return false
}

// ConsumptionEvent is one append-only row per download attempt, used for
// reconciliation and reporting. Never mutated after creation.
type ConsumptionEvent struct {
	ID        uint           `gorm:"primarykey" json:"-"`
	Identity  string         `gorm:"index;not null" json:"identity"`
	Format    DownloadFormat `gorm:"type:varchar(10);not null" json:"format"`
	Success   bool           `gorm:"not null" json:"success"`
	Timestamp time.Time      `gorm:"index;not null" json:"timestamp"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ConsumptionEvent) TableName() string {
	return "consumption_events"
}
