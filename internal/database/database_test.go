package database

import (
	"testing"
	"time"

	"github.com/sandgate-io/sandgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens an in-memory SQLite database and points the package
// global at it so the setting helpers work in tests.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	DB = db
	t.Cleanup(func() { DB = nil })
	return db
}

func TestSettingRoundTrip(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting("compute_backend", "docker"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	got, err := GetSetting("compute_backend")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if got != "docker" {
		t.Errorf("GetSetting = %q, want %q", got, "docker")
	}

	// Overwrite through the same upsert path.
	if err := SetSetting("compute_backend", "kubernetes"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	got, err = GetSetting("compute_backend")
	if err != nil {
		t.Fatalf("get setting after overwrite: %v", err)
	}
	if got != "kubernetes" {
		t.Errorf("GetSetting after overwrite = %q, want %q", got, "kubernetes")
	}
}

func TestGetSettingMissingKey(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("no_such_key"); err == nil {
		t.Error("expected error for missing key, got nil")
	}
}

func TestDeleteSetting(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting("breaker_cooldown", "45s"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if err := DeleteSetting("breaker_cooldown"); err != nil {
		t.Fatalf("delete setting: %v", err)
	}
	if _, err := GetSetting("breaker_cooldown"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestSeedDefaultsIdempotent(t *testing.T) {
	db := setupTestDB(t)

	config.Cfg.AllowedOrigins = []string{"https://console.example.com"}
	config.Cfg.BreakerFailureThreshold = 3
	config.Cfg.BreakerCoolDown = 30 * time.Second
	config.Cfg.HealthCallTimeout = 5 * time.Second
	config.Cfg.InternalCallTimeout = 15 * time.Second
	config.Cfg.SessionCallTimeout = 10 * time.Second

	if err := seedDefaults(); err != nil {
		t.Fatalf("seed defaults: %v", err)
	}

	var count int64
	db.Model(&Setting{}).Count(&count)
	if count == 0 {
		t.Fatal("expected seeded settings, found none")
	}

	// An operator override must survive a re-seed.
	if err := SetSetting("breaker_failure_threshold", "7"); err != nil {
		t.Fatalf("override setting: %v", err)
	}
	if err := seedDefaults(); err != nil {
		t.Fatalf("re-seed defaults: %v", err)
	}

	var after int64
	db.Model(&Setting{}).Count(&after)
	if after != count {
		t.Errorf("row count changed on re-seed: %d -> %d", count, after)
	}
	got, err := GetSetting("breaker_failure_threshold")
	if err != nil {
		t.Fatalf("get overridden setting: %v", err)
	}
	if got != "7" {
		t.Errorf("override clobbered by re-seed: got %q, want %q", got, "7")
	}
}

func TestSeedDefaultsValues(t *testing.T) {
	setupTestDB(t)

	config.Cfg.AllowedOrigins = []string{"https://a.example.com", "https://b.example.com"}
	config.Cfg.BreakerFailureThreshold = 4
	config.Cfg.BreakerCoolDown = time.Minute
	config.Cfg.HealthCallTimeout = 5 * time.Second
	config.Cfg.InternalCallTimeout = 15 * time.Second
	config.Cfg.SessionCallTimeout = 10 * time.Second

	if err := seedDefaults(); err != nil {
		t.Fatalf("seed defaults: %v", err)
	}

	for key, want := range map[string]string{
		"allowed_origins":           "https://a.example.com,https://b.example.com",
		"breaker_failure_threshold": "4",
		"breaker_cooldown":          "1m0s",
		"compute_backend":           "auto",
	} {
		got, err := GetSetting(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if got != want {
			t.Errorf("setting %s = %q, want %q", key, got, want)
		}
	}
}
