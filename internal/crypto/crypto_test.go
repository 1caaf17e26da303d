package crypto

import (
	"testing"

	"github.com/sandgate-io/sandgate/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSettings(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() { database.DB = nil })
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupSettings(t)

	secret := "agent-shared-token-1234"
	sealed, err := Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == secret {
		t.Fatal("ciphertext equals plaintext")
	}

	// The key generated on first use must be persisted and reused.
	if _, err := database.GetSetting("fernet_key"); err != nil {
		t.Fatalf("fernet key not persisted: %v", err)
	}

	opened, err := Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if opened != secret {
		t.Errorf("decrypt = %q, want %q", opened, secret)
	}
}

func TestDecryptEmptyAndGarbage(t *testing.T) {
	setupSettings(t)

	got, err := Decrypt("")
	if err != nil || got != "" {
		t.Errorf("Decrypt(\"\") = (%q, %v), want empty and no error", got, err)
	}

	if _, err := Decrypt("not-a-fernet-token"); err == nil {
		t.Error("expected error for garbage ciphertext, got nil")
	}
}

func TestMask(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "****"},
		{"abcd", "****"},
		{"abcdefgh", "****efgh"},
	}
	for _, tc := range cases {
		if got := Mask(tc.in); got != tc.want {
			t.Errorf("Mask(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
