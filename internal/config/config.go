package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds every empirically chosen duration in the engine. These are
// configuration, not invariants: the defaults match production behavior but
// nothing outside this package hard-codes them.
type Tuning struct {
	// Grace is how long after enrollmentEnd an under-filled mission is still
	// shown as Arming instead of Failed.
	Grace time.Duration `yaml:"grace"`

	// OverrideTTL bounds how long an optimistic override stays live.
	OverrideTTL time.Duration `yaml:"override_ttl"`

	// PauseCooldown is the minimum Paused dwell before a snapshot reporting
	// Active is believed again.
	PauseCooldown time.Duration `yaml:"pause_cooldown"`

	// RetryDelay and RetryMax bound the reconciler's retry of discarded or
	// failed snapshots.
	RetryDelay time.Duration `yaml:"retry_delay"`
	RetryMax   int           `yaml:"retry_max"`

	// ConfirmWindow is how soon after a local prediction the confirming
	// fetch is requested.
	ConfirmWindow time.Duration `yaml:"confirm_window"`

	// Cache tiers for snapshot reads.
	MicroCacheTTL  time.Duration `yaml:"micro_cache_ttl"`
	ActiveCacheTTL time.Duration `yaml:"active_cache_ttl"`
	ListCooldown   time.Duration `yaml:"list_cooldown"`

	// Predictor tick cadence; FastTickWindow is the tail of the active phase
	// driven at the fast cadence.
	TickInterval     time.Duration `yaml:"tick_interval"`
	FastTickInterval time.Duration `yaml:"fast_tick_interval"`
	FastTickWindow   time.Duration `yaml:"fast_tick_window"`

	// WatchdogSilence is the push silence after which the foreground mission
	// gets an unsolicited reconciliation. StaleAfter is the fetch-side half
	// of the two-signal staleness flag.
	WatchdogSilence time.Duration `yaml:"watchdog_silence"`
	StaleAfter      time.Duration `yaml:"stale_after"`

	// NotifyWindow suppresses repeated outbound notices per (kind, mission).
	NotifyWindow time.Duration `yaml:"notify_window"`
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Grace:            30 * time.Second,
		OverrideTTL:      15 * time.Second,
		PauseCooldown:    60 * time.Second,
		RetryDelay:       2 * time.Second,
		RetryMax:         3,
		ConfirmWindow:    2 * time.Second,
		MicroCacheTTL:    900 * time.Millisecond,
		ActiveCacheTTL:   8 * time.Second,
		ListCooldown:     3 * time.Second,
		TickInterval:     time.Second,
		FastTickInterval: 100 * time.Millisecond,
		FastTickWindow:   90 * time.Second,
		WatchdogSilence:  30 * time.Second,
		StaleAfter:       30 * time.Second,
		NotifyWindow:     2 * time.Second,
	}
}

// UnmarshalYAML accepts Go duration strings ("45s", "250ms") for every
// duration field, overlaying only the keys present in the document.
func (t *Tuning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Grace            *string `yaml:"grace"`
		OverrideTTL      *string `yaml:"override_ttl"`
		PauseCooldown    *string `yaml:"pause_cooldown"`
		RetryDelay       *string `yaml:"retry_delay"`
		RetryMax         *int    `yaml:"retry_max"`
		ConfirmWindow    *string `yaml:"confirm_window"`
		MicroCacheTTL    *string `yaml:"micro_cache_ttl"`
		ActiveCacheTTL   *string `yaml:"active_cache_ttl"`
		ListCooldown     *string `yaml:"list_cooldown"`
		TickInterval     *string `yaml:"tick_interval"`
		FastTickInterval *string `yaml:"fast_tick_interval"`
		FastTickWindow   *string `yaml:"fast_tick_window"`
		WatchdogSilence  *string `yaml:"watchdog_silence"`
		StaleAfter       *string `yaml:"stale_after"`
		NotifyWindow     *string `yaml:"notify_window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.RetryMax != nil {
		t.RetryMax = *raw.RetryMax
	}
	for _, f := range []struct {
		src *string
		dst *time.Duration
	}{
		{raw.Grace, &t.Grace},
		{raw.OverrideTTL, &t.OverrideTTL},
		{raw.PauseCooldown, &t.PauseCooldown},
		{raw.RetryDelay, &t.RetryDelay},
		{raw.ConfirmWindow, &t.ConfirmWindow},
		{raw.MicroCacheTTL, &t.MicroCacheTTL},
		{raw.ActiveCacheTTL, &t.ActiveCacheTTL},
		{raw.ListCooldown, &t.ListCooldown},
		{raw.TickInterval, &t.TickInterval},
		{raw.FastTickInterval, &t.FastTickInterval},
		{raw.FastTickWindow, &t.FastTickWindow},
		{raw.WatchdogSilence, &t.WatchdogSilence},
		{raw.StaleAfter, &t.StaleAfter},
		{raw.NotifyWindow, &t.NotifyWindow},
	} {
		if f.src == nil {
			continue
		}
		d, err := time.ParseDuration(*f.src)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", *f.src, err)
		}
		*f.dst = d
	}
	return nil
}

// Load reads tuning overrides from a yaml file on top of the defaults. A
// missing path returns the defaults.
func Load(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("read tuning config: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuning config: %w", err)
	}
	return t, nil
}

// GetEnv returns the environment value for key, or defaultValue if unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration parses a duration from the environment, falling back on
// parse failure or absence.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
