package sched

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Settings keys as stored in the store's config table.
const (
	KeyRepository          = "repo"
	KeyFullCheckFrequency  = "full_check_frequency"
	KeyPruneFrequency      = "prune_frequency"
	KeyErrorCheckFrequency = "error_check_frequency"
	KeyBitrotDetection     = "bitrot_detection"
	KeyPruneEnabled        = "prune_enabled"
	KeyNoLock              = "no_lock"
	KeyPreserveVanished    = "make_vanished_permanent"
	KeyAutoDiscovery       = "auto_discovery"
	KeyUpdateCheckEnabled  = "update_check_enabled"
	KeyUpdateCheckFreq     = "update_check_frequency"
	KeyUpdateToastInterval = "update_check_toast_interval"
	KeyPrescanLimit        = "prescan_file_limit"
)

// MinUpdateCheckInterval is the retry interval after a failed update check.
const MinUpdateCheckInterval = 3 * time.Hour

// Settings is the scheduling configuration read once per scheduler pass.
type Settings struct {
	Repository          string
	FullCheckInterval   time.Duration
	PruneInterval       time.Duration
	ErrorCheckInterval  time.Duration
	BitrotDetection     bool
	PruneEnabled        bool
	NoLock              bool
	PreserveVanished    bool
	AutoDiscovery       bool
	UpdateCheckEnabled  bool
	UpdateCheckInterval time.Duration
	UpdateToastInterval time.Duration
	PrescanLimit        int
}

// DefaultSettings returns the values used for keys missing from the store.
func DefaultSettings() Settings {
	return Settings{
		FullCheckInterval:   7 * day,
		PruneInterval:       7 * day,
		ErrorCheckInterval:  30 * time.Minute,
		BitrotDetection:     true,
		PreserveVanished:    true,
		UpdateCheckEnabled:  true,
		UpdateCheckInterval: 7 * day,
		UpdateToastInterval: 12 * time.Hour,
		PrescanLimit:        200000,
	}
}

type settingKind int

const (
	kindString settingKind = iota
	kindBool
	kindDuration
	kindInt
)

var settingKinds = map[string]settingKind{
	KeyRepository:          kindString,
	KeyFullCheckFrequency:  kindDuration,
	KeyPruneFrequency:      kindDuration,
	KeyErrorCheckFrequency: kindDuration,
	KeyBitrotDetection:     kindBool,
	KeyPruneEnabled:        kindBool,
	KeyNoLock:              kindBool,
	KeyPreserveVanished:    kindBool,
	KeyAutoDiscovery:       kindBool,
	KeyUpdateCheckEnabled:  kindBool,
	KeyUpdateCheckFreq:     kindDuration,
	KeyUpdateToastInterval: kindDuration,
	KeyPrescanLimit:        kindInt,
}

// SettingKeys returns every recognised settings key in sorted order.
func SettingKeys() []string {
	keys := make([]string, 0, len(settingKinds))
	for k := range settingKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeSetting validates a user-supplied value and returns its stored form.
// Durations are stored as seconds, booleans as "0" or "1".
func NormalizeSetting(key, value string) (string, error) {
	kind, ok := settingKinds[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	value = strings.TrimSpace(value)
	switch kind {
	case kindBool:
		b, err := parseBool(value)
		if err != nil {
			return "", fmt.Errorf("setting %s: %w", key, err)
		}
		if b {
			return "1", nil
		}
		return "0", nil
	case kindDuration:
		d, err := ParseFrequency(value)
		if err != nil {
			return "", fmt.Errorf("setting %s: %w", key, err)
		}
		return strconv.FormatInt(int64(d/time.Second), 10), nil
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return "", fmt.Errorf("setting %s: invalid count %q", key, value)
		}
		return strconv.Itoa(n), nil
	default:
		return value, nil
	}
}

// ParseSettings builds Settings from stored key/values, falling back to
// DefaultSettings for absent keys. Unknown keys are ignored.
func ParseSettings(values map[string]string) (Settings, error) {
	s := DefaultSettings()
	for key, raw := range values {
		kind, ok := settingKinds[key]
		if !ok {
			continue
		}
		var err error
		switch kind {
		case kindString:
			s.setString(key, raw)
		case kindBool:
			var b bool
			if b, err = parseBool(raw); err == nil {
				s.setBool(key, b)
			}
		case kindDuration:
			var d time.Duration
			if d, err = ParseFrequency(raw); err == nil {
				s.setDuration(key, d)
			}
		case kindInt:
			var n int
			if n, err = strconv.Atoi(strings.TrimSpace(raw)); err == nil {
				s.PrescanLimit = n
			}
		}
		if err != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return s, nil
}

// Values renders s in stored form, the inverse of ParseSettings.
func (s Settings) Values() map[string]string {
	b := func(v bool) string {
		if v {
			return "1"
		}
		return "0"
	}
	secs := func(d time.Duration) string { return strconv.FormatInt(int64(d/time.Second), 10) }
	return map[string]string{
		KeyRepository:          s.Repository,
		KeyFullCheckFrequency:  secs(s.FullCheckInterval),
		KeyPruneFrequency:      secs(s.PruneInterval),
		KeyErrorCheckFrequency: secs(s.ErrorCheckInterval),
		KeyBitrotDetection:     b(s.BitrotDetection),
		KeyPruneEnabled:        b(s.PruneEnabled),
		KeyNoLock:              b(s.NoLock),
		KeyPreserveVanished:    b(s.PreserveVanished),
		KeyAutoDiscovery:       b(s.AutoDiscovery),
		KeyUpdateCheckEnabled:  b(s.UpdateCheckEnabled),
		KeyUpdateCheckFreq:     secs(s.UpdateCheckInterval),
		KeyUpdateToastInterval: secs(s.UpdateToastInterval),
		KeyPrescanLimit:        strconv.Itoa(s.PrescanLimit),
	}
}

func (s *Settings) setString(key, v string) {
	if key == KeyRepository {
		s.Repository = strings.TrimSpace(v)
	}
}

func (s *Settings) setBool(key string, v bool) {
	switch key {
	case KeyBitrotDetection:
		s.BitrotDetection = v
	case KeyPruneEnabled:
		s.PruneEnabled = v
	case KeyNoLock:
		s.NoLock = v
	case KeyPreserveVanished:
		s.PreserveVanished = v
	case KeyAutoDiscovery:
		s.AutoDiscovery = v
	case KeyUpdateCheckEnabled:
		s.UpdateCheckEnabled = v
	}
}

func (s *Settings) setDuration(key string, d time.Duration) {
	switch key {
	case KeyFullCheckFrequency:
		s.FullCheckInterval = d
	case KeyPruneFrequency:
		s.PruneInterval = d
	case KeyErrorCheckFrequency:
		s.ErrorCheckInterval = d
	case KeyUpdateCheckFreq:
		s.UpdateCheckInterval = d
	case KeyUpdateToastInterval:
		s.UpdateToastInterval = d
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}
