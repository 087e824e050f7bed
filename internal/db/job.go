package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrStaleTransition is returned when a job status update finds the
// job no longer in the expected status.
var ErrStaleTransition = errors.New("job status changed concurrently")

// TransitionJob moves a job from one status to another with a
// conditional update, so two workers racing on the same job cannot
// both win. Terminal jobs never transition again.
func TransitionJob(db *gorm.DB, jobID, from, to string, set map[string]any) error {
	if set == nil {
		set = map[string]any{}
	}
	set["status"] = to
	if TerminalStatus(to) {
		now := time.Now()
		set["completed_at"] = &now
	}
	res := db.Model(&Job{}).Where("id = ? AND status = ?", jobID, from).Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// FindJob loads a job owned by the given key.
func FindJob(db *gorm.DB, keyID uint, jobID string) (*Job, error) {
	var job Job
	if err := db.Where("id = ? AND key_id = ?", jobID, keyID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the most recent jobs for a key, newest first.
func ListJobs(db *gorm.DB, keyID uint, limit int) ([]Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var jobs []Job
	err := db.Where("key_id = ?", keyID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ReserveIdempotencyKey records key->jobID for the caller-supplied
// idempotency key. If the key was already used, it returns the
// original job ID and reserved=false; the caller must not charge again.
func ReserveIdempotencyKey(db *gorm.DB, keyID uint, idemKey, jobID string, ttl time.Duration) (existingJobID string, reserved bool, err error) {
	rec := IdempotencyKey{
		KeyID:     keyID,
		Key:       idemKey,
		JobID:     jobID,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := db.Create(&rec).Error; err != nil {
		// Unique violation: someone got there first. Return their job.
		var existing IdempotencyKey
		if lookupErr := db.Where("key_id = ? AND key = ?", keyID, idemKey).
			First(&existing).Error; lookupErr == nil {
			return existing.JobID, false, nil
		}
		return "", false, err
	}
	return jobID, true, nil
}
