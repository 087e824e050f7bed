package db

import (
	"time"

	"gorm.io/gorm"
)

// RecordUsage appends one usage row. Append-only; rows are never
// mutated after insert.
func RecordUsage(db *gorm.DB, entry *UsageLog) error {
	return db.Create(entry).Error
}

// UsageSummary aggregates a key's usage over a time range.
type UsageSummary struct {
	TotalRequests int64 `json:"totalRequests"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Blocked       int64 `json:"blocked"`
	TotalTokens   int64 `json:"totalTokens"`
	AvgLatencyMs  int64 `json:"avgLatencyMs"`
}

// UsagePoint is one bucket of the usage time series.
type UsagePoint struct {
	Day    string `json:"day"`
	Count  int64  `json:"count"`
	Tokens int64  `json:"tokens"`
}

// SummarizeUsage computes totals for a key since cutoff.
func SummarizeUsage(db *gorm.DB, keyID uint, cutoff time.Time) (*UsageSummary, error) {
	var s UsageSummary
	row := db.Model(&UsageLog{}).
		Where("key_id = ? AND created_at >= ?", keyID, cutoff).
		Select("COUNT(*) AS total_requests",
			"COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed",
			"COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed",
			"COALESCE(SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END), 0) AS blocked",
			"COALESCE(SUM(token_usage), 0) AS total_tokens",
			"COALESCE(AVG(latency_ms), 0) AS avg_latency_ms")
	if err := row.Scan(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// UsageSeries returns per-day request and token counts since cutoff.
func UsageSeries(db *gorm.DB, keyID uint, cutoff time.Time) ([]UsagePoint, error) {
	var points []UsagePoint
	err := db.Model(&UsageLog{}).
		Where("key_id = ? AND created_at >= ?", keyID, cutoff).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') AS day",
			"COUNT(*) AS count",
			"COALESCE(SUM(token_usage), 0) AS tokens").
		Group("day").
		Order("day ASC").
		Scan(&points).Error
	return points, err
}

// RecentUsage returns the most recent usage rows for a key.
func RecentUsage(db *gorm.DB, keyID uint, cutoff time.Time, limit int) ([]UsageLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []UsageLog
	err := db.Where("key_id = ? AND created_at >= ?", keyID, cutoff).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ExportUsage streams all usage rows for a key since cutoff, oldest
// first, for CSV export.
func ExportUsage(db *gorm.DB, keyID uint, cutoff time.Time) ([]UsageLog, error) {
	var rows []UsageLog
	err := db.Where("key_id = ? AND created_at >= ?", keyID, cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
