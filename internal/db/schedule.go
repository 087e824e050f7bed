package db

import (
	"time"

	"gorm.io/gorm"
)

// DueSchedules returns all active schedules whose next_run_at has
// passed.
func DueSchedules(db *gorm.DB, now time.Time) ([]Schedule, error) {
	var schedules []Schedule
	err := db.Where("is_active = ? AND next_run_at <= ?", true, now).Find(&schedules).Error
	return schedules, err
}

// ClaimScheduleRun advances a schedule's run bookkeeping with a
// conditional update. Exactly one ticker invocation wins the claim when
// several race on the same due schedule; losers skip the run.
func ClaimScheduleRun(db *gorm.DB, s *Schedule, now, next time.Time) (bool, error) {
	res := db.Model(&Schedule{}).
		Where("id = ? AND next_run_at = ?", s.ID, s.NextRunAt).
		Updates(map[string]any{"next_run_at": next, "last_run_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindSchedule loads a schedule owned by the given key.
func FindSchedule(db *gorm.DB, keyID uint, id string) (*Schedule, error) {
	var s Schedule
	if err := db.Where("id = ? AND key_id = ?", id, keyID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSchedules returns all schedules for a key, newest first.
func ListSchedules(db *gorm.DB, keyID uint) ([]Schedule, error) {
	var schedules []Schedule
	err := db.Where("key_id = ?", keyID).Order("created_at DESC").Find(&schedules).Error
	return schedules, err
}
