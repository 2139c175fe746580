package config

import (
	"strings"
	"testing"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/revguard_test")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "")
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("INGEST_WORKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.IngestWorkers < 1 {
		t.Errorf("IngestWorkers = %d", cfg.IngestWorkers)
	}
}

func TestLoad_EncryptionKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/revguard_test")
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", strings.Repeat("ab", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.CredentialEncryptionKey) != 32 {
		t.Fatalf("key length = %d", len(cfg.CredentialEncryptionKey))
	}
}

func TestLoad_RejectsBadKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/revguard_test")

	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "nothex")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-hex key")
	}

	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "abcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestEnvInt_IgnoresGarbage(t *testing.T) {
	t.Setenv("SOME_COUNT", "zero")
	if got := envInt("SOME_COUNT", 7); got != 7 {
		t.Fatalf("envInt = %d, want fallback", got)
	}
	t.Setenv("SOME_COUNT", "-3")
	if got := envInt("SOME_COUNT", 7); got != 7 {
		t.Fatalf("envInt = %d, want fallback for negative", got)
	}
}
