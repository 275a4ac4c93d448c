package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 3216 {
		t.Errorf("unexpected default port %d", cfg.Port)
	}
	if cfg.DBPath != "clichat.db" {
		t.Errorf("unexpected default db path %q", cfg.DBPath)
	}
	if cfg.HistoryLimit != 100 {
		t.Errorf("unexpected default history limit %d", cfg.HistoryLimit)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_PORT", "9000")
	t.Setenv("CHAT_DB_PATH", "/tmp/other.db")
	t.Setenv("CHAT_RATE_LIMIT", "5")

	cfg := Load()

	if cfg.Port != 9000 {
		t.Errorf("expected port override, got %d", cfg.Port)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Errorf("expected db path override, got %q", cfg.DBPath)
	}
	if cfg.RateLimit != 5 {
		t.Errorf("expected rate limit override, got %d", cfg.RateLimit)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("CHAT_PORT", "not-a-number")
	t.Setenv("CHAT_RATE_LIMIT", "-3")

	cfg := Load()

	if cfg.Port != 3216 {
		t.Errorf("invalid port must keep default, got %d", cfg.Port)
	}
	if cfg.RateLimit != 20 {
		t.Errorf("invalid rate limit must keep default, got %d", cfg.RateLimit)
	}
}
