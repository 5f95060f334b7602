package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full bot configuration.
//
// Duration fields take Go duration strings and are validated while decoding
// (see Duration).
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Media     MediaConfig     `json:"media,omitempty"`
	Publish   PublishConfig   `json:"publish"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs is the allow-list: only these users may submit posts.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout bounds one long-poll request. Default "10s".
	PollTimeout Duration `json:"poll_timeout,omitempty"`
	// SendRatePerSec caps outbound API calls. Default 25.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type MediaConfig struct {
	// Dir is where intake media copies are retained. Default "./media".
	Dir string `json:"dir,omitempty"`
}

// PublishConfig holds delivery policy. Footer and destinations are
// hot-reloadable via the config watcher.
type PublishConfig struct {
	// Footer is appended to every post body at publish time.
	Footer string `json:"footer,omitempty"`
	// TextLimit / CaptionLimit are protocol size limits in runes.
	// Defaults: 4096 / 1024.
	TextLimit    int `json:"text_limit,omitempty"`
	CaptionLimit int `json:"caption_limit,omitempty"`
	// Destinations maps a display name to a target channel chat id.
	Destinations map[string]int64 `json:"destinations"`
}

type SchedulerConfig struct {
	// SweepInterval drives restart recovery and session expiry. Default "1m".
	SweepInterval Duration `json:"sweep_interval,omitempty"`
	// SessionTTL bounds pending edit/custom-time input. Default "10m".
	SessionTTL Duration `json:"session_ttl,omitempty"`
	// RetryMax / RetryBackoff govern deferred-publish retries on transient
	// transport failures. Defaults: 3 / "30s".
	RetryMax     int      `json:"retry_max,omitempty"`
	RetryBackoff Duration `json:"retry_backoff,omitempty"`
	// PresetMinutes are the quick-delay buttons offered after a destination
	// is chosen. Default [5, 10, 20, 30, 60].
	PresetMinutes []int `json:"preset_minutes,omitempty"`
}

// Validate checks the parts that would make the bot unusable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must not be empty")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if len(c.Publish.Destinations) == 0 {
		return errors.New("publish.destinations must not be empty")
	}
	for name, id := range c.Publish.Destinations {
		if strings.TrimSpace(name) == "" || id == 0 {
			return fmt.Errorf("publish.destinations: invalid entry %q -> %d", name, id)
		}
	}
	for _, m := range c.Scheduler.PresetMinutes {
		if m <= 0 {
			return fmt.Errorf("scheduler.preset_minutes: must be positive, got %d", m)
		}
	}
	return nil
}
