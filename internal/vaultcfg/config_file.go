package vaultcfg

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config but uses strings for durations to keep the TOML
// friendly to hand-editing.
type fileConfig struct {
	BaseRoot       string `toml:"base_root"`
	AutosaveRoot   string `toml:"autosave_root"`
	MirrorRoot     string `toml:"mirror_root"`
	CanonicalName  string `toml:"canonical_name"`
	DebounceDelay  string `toml:"debounce_delay"`
	CycleInterval  string `toml:"cycle_interval"`
	CycleSlotCount int    `toml:"cycle_slot_count"`
	TempDebounce   string `toml:"temp_debounce"`
	TempMaxAgeDays int    `toml:"temp_max_age_days"`
	TempMaxPerCase int    `toml:"temp_max_per_case"`
	CompressOld    *bool  `toml:"compress_old_temp"`
	SchemaVersion  int    `toml:"schema_version"`
	Workers        int    `toml:"workers"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.casevault/config.toml when the home directory
// is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".casevault", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies file values onto cfg, skipping fields whose flags
// were explicitly set.
func ApplyFileConfig(cfg *Config, fc fileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("base-root", fc.BaseRoot, &cfg.BaseRoot)
	s.setString("autosave-root", fc.AutosaveRoot, &cfg.AutosaveRoot)
	s.setString("mirror-root", fc.MirrorRoot, &cfg.MirrorRoot)
	s.setString("canonical-name", fc.CanonicalName, &cfg.CanonicalName)

	if err := s.setDuration("debounce-delay", fc.DebounceDelay, &cfg.DebounceDelay); err != nil {
		return err
	}
	if err := s.setDuration("cycle-interval", fc.CycleInterval, &cfg.CycleInterval); err != nil {
		return err
	}
	if err := s.setDuration("temp-debounce", fc.TempDebounce, &cfg.TempDebounce); err != nil {
		return err
	}

	s.setInt("cycle-slots", fc.CycleSlotCount, &cfg.CycleSlotCount)
	s.setInt("temp-max-age-days", fc.TempMaxAgeDays, &cfg.TempMaxAgeDays)
	s.setInt("temp-max-per-case", fc.TempMaxPerCase, &cfg.TempMaxPerCase)
	s.setInt("schema-version", fc.SchemaVersion, &cfg.SchemaVersion)
	s.setInt("workers", fc.Workers, &cfg.Workers)

	s.setBool("compress-old-temp", fc.CompressOld, &cfg.CompressOldTemp)

	return nil
}

// FileExists reports whether a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
