// Package config loads and validates the bot's runtime configuration from
// environment variables and an optional config file (environment values
// take precedence over the file, and built-in defaults fill the rest),
// using spf13/viper the way the teacher repository wires its
// configuration loader.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrMissingToken is returned when no Discord bot token is configured.
var ErrMissingToken = errors.New("config: discord.bot_token is required")

// Config holds every externally tunable setting of the bot.
type Config struct {
	Discord    Discord
	Database   Database
	Log        Log
	Scheduler  Scheduler
	Reconciler Reconciler
}

// Discord holds the chat-platform credentials.
type Discord struct {
	BotToken string
}

// Database holds the persistence connection string.
type Database struct {
	URL string
}

// Log holds logging configuration.
type Log struct {
	Level string
}

// Scheduler holds JobScheduler tuning.
type Scheduler struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
	Workers       int
}

// Reconciler holds Reconciler tuning.
type Reconciler struct {
	DebounceInterval time.Duration
}

// Load reads configuration from an optional file at path (skipped if
// empty or missing), environment variables prefixed KIZAIBOT_, and
// defaults, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("kizaibot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.url", "sqlite://./data/bot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.lease_seconds", 60)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("reconciler.debounce_ms", 500)

	// DISCORD_BOT_TOKEN, DATABASE_URL and LOG_LEVEL are read without the
	// KIZAIBOT_ prefix to match the documented external interface.
	_ = v.BindEnv("discord.bot_token", "DISCORD_BOT_TOKEN")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrap(err, "config: reading config file")
			}
		}
	}

	cfg := &Config{
		Discord:  Discord{BotToken: v.GetString("discord.bot_token")},
		Database: Database{URL: v.GetString("database.url")},
		Log:      Log{Level: v.GetString("log.level")},
		Scheduler: Scheduler{
			PollInterval:  v.GetDuration("scheduler.poll_interval"),
			LeaseDuration: time.Duration(v.GetInt("scheduler.lease_seconds")) * time.Second,
			Workers:       v.GetInt("scheduler.workers"),
		},
		Reconciler: Reconciler{
			DebounceInterval: time.Duration(v.GetInt("reconciler.debounce_ms")) * time.Millisecond,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.Discord.BotToken == "" {
		return ErrMissingToken
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 1
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 5 * time.Second
	}
	if c.Reconciler.DebounceInterval <= 0 {
		c.Reconciler.DebounceInterval = 500 * time.Millisecond
	}
	return nil
}
