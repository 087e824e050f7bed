package db

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pagerobot/internal/config"
)

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	// Auto-migrate the core tables.
	if err := db.AutoMigrate(&User{}, &APIKey{}, &Job{}, &Schedule{}, &UsageLog{}, &IdempotencyKey{}); err != nil {
		return nil, err
	}

	return db, nil
}

// EnsureBootstrapAdmin makes sure there is at least one admin user
// corresponding to the bootstrap credentials in config. If a user with
// that username already exists, it is left as-is.
func EnsureBootstrapAdmin(db *gorm.DB, cfg *config.Config) error {
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil
	}

	var count int64
	if err := db.Model(&User{}).Where("username = ?", cfg.AdminUser).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	admin := &User{
		Username:     cfg.AdminUser,
		PasswordHash: string(hash),
		IsAdmin:      true,
	}

	return db.Create(admin).Error
}
