package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a config field given as a Go duration string ("500ms", "10s",
// "1m"). Bad or negative values are rejected at decode time, so a hot reload
// with a broken duration never reaches Validate. The zero value means the
// field was absent; callers pick the default via Or.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns the configured value, or def when the field was absent or zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	*d = Duration(v)
	return nil
}
