package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromDir(t *testing.T, dir string) (Config, error) {
	t.Helper()
	t.Setenv("ALTCAP_HOME", dir)
	return Load()
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := loadFromDir(t, t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Backend != "memory" {
		t.Fatalf("backend = %q, want memory", cfg.Session.Backend)
	}
	if cfg.Session.TTLMinutes != 60 {
		t.Fatalf("ttl = %d, want 60", cfg.Session.TTLMinutes)
	}
	if cfg.Queue.MaxActivePerPlatform != 1 {
		t.Fatalf("max_active_per_platform = %d, want 1", cfg.Queue.MaxActivePerPlatform)
	}
	if cfg.Queue.WorkerCount != 4 {
		t.Fatalf("worker_count = %d, want 4", cfg.Queue.WorkerCount)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("log_level: warn\nsession:\n  backend: sqlite\n  ttl_minutes: 15\nqueue:\n  worker_count: 2\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ALTCAP_LOG_LEVEL", "debug")
	t.Setenv("ALTCAP_SESSION_TTL_MINUTES", "30")

	cfg, err := loadFromDir(t, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Env wins over file.
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug (env override)", cfg.LogLevel)
	}
	if cfg.Session.TTLMinutes != 30 {
		t.Fatalf("ttl = %d, want 30 (env override)", cfg.Session.TTLMinutes)
	}
	// File wins over defaults.
	if cfg.Session.Backend != "sqlite" {
		t.Fatalf("backend = %q, want sqlite (file)", cfg.Session.Backend)
	}
	if cfg.Queue.WorkerCount != 2 {
		t.Fatalf("worker_count = %d, want 2 (file)", cfg.Queue.WorkerCount)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("session:\n  backend: redis\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadFromDir(t, dir); err == nil {
		t.Fatal("expected error for unknown session backend")
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := Config{AdminUsers: []string{"u-admin", "u-ops"}}
	if !cfg.IsAdmin("u-admin") {
		t.Fatal("u-admin should be admin")
	}
	if cfg.IsAdmin("u-nobody") {
		t.Fatal("u-nobody should not be admin")
	}
}

func TestFingerprint_TracksChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.Queue.WorkerCount = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config should change the fingerprint")
	}
}

func TestAdminUsersEnvList(t *testing.T) {
	t.Setenv("ALTCAP_ADMIN_USERS", "u1, u2 ,,u3")
	cfg, err := loadFromDir(t, t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"u1", "u2", "u3"}
	if len(cfg.AdminUsers) != len(want) {
		t.Fatalf("admin users = %v, want %v", cfg.AdminUsers, want)
	}
	for i := range want {
		if cfg.AdminUsers[i] != want[i] {
			t.Fatalf("admin users = %v, want %v", cfg.AdminUsers, want)
		}
	}
}
