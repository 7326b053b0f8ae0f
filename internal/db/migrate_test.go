package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/marathon_tracker/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, RegisterCallbacks(database))
	require.NoError(t, Migrate(database))
	return database
}

func TestMigrateCreatesScheduleTables(t *testing.T) {
	database := openTestDB(t)

	for _, table := range []string{"events", "segments", "interstitials", "audit_logs"} {
		assert.True(t, database.Migrator().HasTable(table), table)
	}
	assert.True(t, database.Migrator().HasIndex(&models.Segment{}, "idx_segments_event_order"))
}

func TestSegmentOrderIsUniquePerEvent(t *testing.T) {
	database := openTestDB(t)
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	ev := models.Event{ID: uuid.NewString(), Short: "agdq", Name: "AGDQ", Datetime: start, Timezone: "UTC"}
	require.NoError(t, database.Create(&ev).Error)

	seg := func(name string) *models.Segment {
		return &models.Segment{
			ID: uuid.NewString(), EventID: ev.ID, Name: name, RunTime: time.Hour,
			Order: models.IntPtr(1), StartTime: models.TimePtr(start), EndTime: models.TimePtr(start.Add(time.Hour)),
		}
	}
	require.NoError(t, database.Create(seg("first")).Error)
	assert.Error(t, database.Create(seg("second")).Error)
}

func TestRepairInterstitialMirrors(t *testing.T) {
	database := openTestDB(t)
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	ev := models.Event{ID: uuid.NewString(), Short: "sgdq", Name: "SGDQ", Datetime: start, Timezone: "UTC"}
	require.NoError(t, database.Create(&ev).Error)

	anchor := models.Segment{
		ID: uuid.NewString(), EventID: ev.ID, Name: "run", RunTime: time.Hour,
		Order: models.IntPtr(2), StartTime: models.TimePtr(start), EndTime: models.TimePtr(start.Add(time.Hour)),
	}
	require.NoError(t, database.Create(&anchor).Error)

	stale := models.Interstitial{ID: uuid.NewString(), EventID: ev.ID, AnchorID: anchor.ID, Kind: models.InterstitialAd, Order: models.IntPtr(5), Suborder: 1}
	fresh := models.Interstitial{ID: uuid.NewString(), EventID: ev.ID, AnchorID: anchor.ID, Kind: models.InterstitialInterview, Order: models.IntPtr(2), Suborder: 2}
	require.NoError(t, database.Create(&stale).Error)
	require.NoError(t, database.Create(&fresh).Error)

	updated, err := RepairInterstitialMirrors(database, ev.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)

	var got models.Interstitial
	require.NoError(t, database.First(&got, "id = ?", stale.ID).Error)
	require.NotNil(t, got.Order)
	assert.Equal(t, 2, *got.Order)

	updated, err = RepairInterstitialMirrors(database, ev.ID)
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestWithParam(t *testing.T) {
	assert.Equal(t, "u:p@/db?parseTime=true", withParam("u:p@/db", "parseTime", "true"))
	assert.Equal(t, "u:p@/db?charset=utf8mb4&parseTime=true", withParam("u:p@/db?charset=utf8mb4", "parseTime", "true"))
	assert.Equal(t, "u:p@/db?parseTime=false", withParam("u:p@/db?parseTime=false", "parseTime", "true"))
	assert.Equal(t, "file:x.db?_foreign_keys=1", withParam("file:x.db", "_foreign_keys", "1", "_pragma=foreign_keys"))
	assert.Equal(t, "file:x.db?_pragma=foreign_keys(1)", withParam("file:x.db?_pragma=foreign_keys(1)", "_foreign_keys", "1", "_pragma=foreign_keys"))
}

func TestDialectorForRejectsUnknownBackend(t *testing.T) {
	_, err := dialectorFor("oracle", "dsn")
	assert.Error(t, err)
}
