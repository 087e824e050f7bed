package db

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup,
// deleting expired idempotency records and jobs past the retention
// window. Usage logs are kept: they are the billing record.
func runRetentionOnce(db *gorm.DB, retentionDays int) error {
	now := time.Now()
	if err := db.Where("expires_at <= ?", now).Delete(&IdempotencyKey{}).Error; err != nil {
		return err
	}
	if retentionDays > 0 {
		cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
		if err := db.Where("created_at <= ? AND status IN ?", cutoff,
			[]string{JobCompleted, JobFailed, JobBlocked}).Delete(&Job{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day.
func StartRetentionWorker(db *gorm.DB, retentionDays int) {
	go func() {
		if err := runRetentionOnce(db, retentionDays); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(db, retentionDays); err != nil {
				log.Printf("retention cleanup error: %v", err)
			}
		}
	}()
}
