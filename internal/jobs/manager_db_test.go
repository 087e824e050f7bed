package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pagerobot/internal/blob"
	"pagerobot/internal/config"
	dbpkg "pagerobot/internal/db"
	"pagerobot/internal/extract"
	"pagerobot/internal/render"
	"pagerobot/internal/validate"
	"pagerobot/internal/webhook"
)

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, _ string, _ render.Options) (*render.Page, error) {
	return &render.Page{Content: "<html><body>Widget $9.99</body></html>", Title: "Widget"}, nil
}
func (stubRenderer) Close() error { return nil }

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _ *extract.Request) (*extract.Result, error) {
	return &extract.Result{Data: json.RawMessage(`{"title":"Widget"}`), Tokens: 7}, nil
}

type publicResolver struct{}

func (publicResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A named shared in-memory database so the pool's connections all
	// see the same data.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&dbpkg.User{}, &dbpkg.APIKey{}, &dbpkg.Job{},
		&dbpkg.Schedule{}, &dbpkg.UsageLog{}, &dbpkg.IdempotencyKey{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps concurrent writers from hitting
	// SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestManager(t *testing.T, db *gorm.DB) *Manager {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(db, stubRenderer{}, stubExtractor{}, blobs, nil,
		webhook.NewDispatcher(webhook.Config{AllowPrivate: true}), &config.Config{})
	m.targets.Resolver = publicResolver{}
	return m
}

func seedKey(t *testing.T, db *gorm.DB, credits int64) *dbpkg.APIKey {
	t.Helper()
	owner := &dbpkg.User{Username: "owner-" + t.Name(), PasswordHash: "x", IsAdmin: true}
	require.NoError(t, db.Create(owner).Error)

	plaintext, err := dbpkg.GenerateKey()
	require.NoError(t, err)
	key := &dbpkg.APIKey{
		OwnerID:          owner.ID,
		Name:             "test",
		Hash:             dbpkg.HashKey(plaintext),
		Prefix:           dbpkg.KeyPrefix(plaintext),
		Tier:             dbpkg.TierFree,
		RemainingCredits: credits,
		IsActive:         true,
	}
	require.NoError(t, db.Create(key).Error)
	return key
}

func syncRequest(url string) *validate.ExtractRequest {
	return &validate.ExtractRequest{
		URL:    url,
		Fields: []string{"title"},
		Options: validate.Options{
			WaitUntil: validate.WaitDOMContentLoaded,
			TimeoutMs: validate.DefaultTimeoutMs,
		},
	}
}

func remainingCredits(t *testing.T, db *gorm.DB, keyID uint) int64 {
	t.Helper()
	var key dbpkg.APIKey
	require.NoError(t, db.First(&key, keyID).Error)
	return key.RemainingCredits
}

func TestSubmitAsyncIdempotency(t *testing.T) {
	db := openTestDB(t)
	m := newTestManager(t, db)
	key := seedKey(t, db, 10)

	req := syncRequest("https://example.com/item")
	req.Async = true

	first, duplicate, err := m.SubmitAsync(context.Background(), key, req, "retry-abc")
	require.NoError(t, err)
	assert.False(t, duplicate)

	second, duplicate, err := m.SubmitAsync(context.Background(), key, req, "retry-abc")
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.ID, second.ID)

	// The repeated submission must not charge again.
	assert.Equal(t, int64(9), remainingCredits(t, db, key.ID))

	var jobCount int64
	require.NoError(t, db.Model(&dbpkg.Job{}).Where("key_id = ?", key.ID).Count(&jobCount).Error)
	assert.Equal(t, int64(1), jobCount)
}

func TestSubmitAsyncRollsBackReservationWhenOutOfCredits(t *testing.T) {
	db := openTestDB(t)
	m := newTestManager(t, db)
	key := seedKey(t, db, 0)

	req := syncRequest("https://example.com/item")
	req.Async = true

	_, _, err := m.SubmitAsync(context.Background(), key, req, "retry-poor")
	require.ErrorIs(t, err, dbpkg.ErrInsufficientCredits)

	// The reservation must not survive the failed acceptance, or a
	// retry after topping up would be treated as a duplicate.
	var reservations int64
	require.NoError(t, db.Model(&dbpkg.IdempotencyKey{}).Where("key_id = ?", key.ID).Count(&reservations).Error)
	assert.Equal(t, int64(0), reservations)

	require.NoError(t, db.Model(&dbpkg.APIKey{}).Where("id = ?", key.ID).
		Update("remaining_credits", 5).Error)

	job, duplicate, err := m.SubmitAsync(context.Background(), key, req, "retry-poor")
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, int64(4), remainingCredits(t, db, key.ID))
}

func TestRunSyncChargesOnceAndRecordsUsage(t *testing.T) {
	db := openTestDB(t)
	m := newTestManager(t, db)
	key := seedKey(t, db, 5)

	outcome, err := m.RunSync(context.Background(), key, syncRequest("https://example.com/item"))
	require.NoError(t, err)
	assert.Equal(t, dbpkg.JobCompleted, outcome.Job.Status)
	assert.JSONEq(t, `{"title":"Widget"}`, string(outcome.Data))
	assert.False(t, outcome.CacheHit)

	assert.Equal(t, int64(4), remainingCredits(t, db, key.ID))

	var usage []dbpkg.UsageLog
	require.NoError(t, db.Where("key_id = ?", key.ID).Find(&usage).Error)
	require.Len(t, usage, 1)
	assert.Equal(t, dbpkg.JobCompleted, usage[0].Status)
	assert.Equal(t, "https://example.com/item", usage[0].URL)
	assert.Equal(t, int64(7), usage[0].TokenUsage)
}

func TestRunSyncInsufficientCreditsRejectsBeforeWork(t *testing.T) {
	db := openTestDB(t)
	m := newTestManager(t, db)
	key := seedKey(t, db, 0)

	_, err := m.RunSync(context.Background(), key, syncRequest("https://example.com/item"))
	require.ErrorIs(t, err, dbpkg.ErrInsufficientCredits)

	var jobCount int64
	require.NoError(t, db.Model(&dbpkg.Job{}).Count(&jobCount).Error)
	assert.Equal(t, int64(0), jobCount)
}

func TestRunSyncAnonymousSkipsLedger(t *testing.T) {
	db := openTestDB(t)
	m := newTestManager(t, db)

	outcome, err := m.RunSync(context.Background(), nil, syncRequest("https://example.com/item"))
	require.NoError(t, err)
	assert.Equal(t, dbpkg.JobCompleted, outcome.Job.Status)
	assert.Equal(t, uint(0), outcome.Job.KeyID)

	// No ledger row exists for anonymous callers; usage is still
	// recorded for traffic accounting.
	var usage []dbpkg.UsageLog
	require.NoError(t, db.Find(&usage).Error)
	require.Len(t, usage, 1)
	assert.Equal(t, uint(0), usage[0].KeyID)
}

func TestSubmitBatchKeepsAcceptedJobsOnError(t *testing.T) {
	db := openTestDB(t)
	m := newTestManager(t, db)
	key := seedKey(t, db, 1)

	_, err := m.SubmitBatch(context.Background(), key, &validate.BatchRequest{
		URLs:   []string{"https://example.com/a", "https://example.com/b"},
		Fields: []string{"title"},
		Options: validate.Options{
			WaitUntil: validate.WaitDOMContentLoaded,
			TimeoutMs: validate.DefaultTimeoutMs,
		},
	})
	require.ErrorIs(t, err, dbpkg.ErrInsufficientCredits)

	// The job accepted before the credits ran out is not rolled back.
	var jobCount int64
	require.NoError(t, db.Model(&dbpkg.Job{}).Where("key_id = ?", key.ID).Count(&jobCount).Error)
	assert.Equal(t, int64(1), jobCount)
	assert.Equal(t, int64(0), remainingCredits(t, db, key.ID))
}
