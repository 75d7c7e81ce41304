package config

import (
	"errors"
	"testing"
)

func TestLoadMissingToken(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")
	_, err := Load("")
	if !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected %v, got %v", ErrMissingToken, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "test-token")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.URL != "sqlite://./data/bot.db" {
		t.Errorf("unexpected default database url: %s", cfg.Database.URL)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("unexpected default worker count: %d", cfg.Scheduler.Workers)
	}
}
