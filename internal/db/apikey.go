package db

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Tier names in ascending order of limits.
const (
	TierFree     = "free"
	TierStarter  = "starter"
	TierPro      = "pro"
	TierInternal = "internal"
)

// APIKey is the root of quota and billing. Only a SHA-256 hash of the
// plaintext key is stored; the plaintext is returned to the owner
// exactly once, at creation or regeneration.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// OwnerID links this key to the admin user who issued it.
	OwnerID uint `gorm:"index;not null"`

	// Name is a user-friendly identifier for this key (e.g. "pricing-bot").
	Name string `gorm:"size:128;not null"`

	// Hash is the hex-encoded SHA-256 digest of the plaintext key.
	Hash string `gorm:"uniqueIndex;size:64;not null"`

	// Prefix is the first characters of the plaintext key, kept for
	// display so owners can tell their keys apart.
	Prefix string `gorm:"size:16;not null"`

	Tier string `gorm:"size:16;not null;default:free"`

	// RemainingCredits is decremented atomically on every accepted
	// request. A request that would take it below zero is rejected.
	RemainingCredits int64 `gorm:"not null"`

	IsActive   bool `gorm:"default:true"`
	LastUsedAt *time.Time

	Owner User `gorm:"foreignKey:OwnerID"`
}

// TierPolicy is the per-tier request rate and credit grant.
type TierPolicy struct {
	RequestsPerMinute int
	MonthlyCredits    int64
}

// PolicyFor returns the policy for a tier name. Unknown tiers get the
// free policy.
func PolicyFor(tier string) TierPolicy {
	switch tier {
	case TierStarter:
		return TierPolicy{RequestsPerMinute: 60, MonthlyCredits: 5000}
	case TierPro:
		return TierPolicy{RequestsPerMinute: 300, MonthlyCredits: 50000}
	case TierInternal:
		return TierPolicy{RequestsPerMinute: 1000, MonthlyCredits: 1_000_000}
	default:
		return TierPolicy{RequestsPerMinute: 10, MonthlyCredits: 500}
	}
}

// GenerateKey returns a new plaintext API key. The "pr_" prefix makes
// leaked keys greppable.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pr_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the hex-encoded SHA-256 digest of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the display prefix for a plaintext key.
func KeyPrefix(plaintext string) string {
	if len(plaintext) > 11 {
		return plaintext[:11]
	}
	return plaintext
}

// ErrInsufficientCredits is returned when a conditional decrement
// finds the balance too low.
var ErrInsufficientCredits = errors.New("insufficient credits")

// LookupKey resolves a plaintext key to its active APIKey row.
func LookupKey(db *gorm.DB, plaintext string) (*APIKey, error) {
	var key APIKey
	err := db.Where("hash = ?", HashKey(plaintext)).First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// DecrementCredits atomically charges cost credits to the key. The
// decrement is a conditional update at the store boundary, not an
// in-process lock: concurrent invocations across machines race safely.
func DecrementCredits(db *gorm.DB, keyID uint, cost int64) error {
	res := db.Model(&APIKey{}).
		Where("id = ? AND remaining_credits >= ?", keyID, cost).
		UpdateColumn("remaining_credits", gorm.Expr("remaining_credits - ?", cost))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// RefundCredits returns cost credits to the key. Used when policy
// refunds blocked jobs.
func RefundCredits(db *gorm.DB, keyID uint, cost int64) error {
	return db.Model(&APIKey{}).
		Where("id = ?", keyID).
		UpdateColumn("remaining_credits", gorm.Expr("remaining_credits + ?", cost)).Error
}

// TouchKey records the key as used now. Best-effort; callers ignore
// the error.
func TouchKey(db *gorm.DB, keyID uint) error {
	now := time.Now()
	return db.Model(&APIKey{}).Where("id = ?", keyID).
		UpdateColumn("last_used_at", now).Error
}
