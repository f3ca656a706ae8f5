// Package vaultcfg holds the casevault configuration: defaults, a TOML
// config file, CASEVAULT_* environment variables, and explicit flags, merged
// in that order of increasing precedence.
package vaultcfg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultCanonicalName is the fixed canonical autosave filename.
const DefaultCanonicalName = "autosave.json"

// Config drives every casevault component. Use DefaultConfig and Validate.
type Config struct {
	// BaseRoot is the primary storage directory: canonical autosave,
	// versioned snapshots, archives, and the pending ledger live here.
	BaseRoot string

	// AutosaveRoot holds the per-case rotating slot folders. Defaults to
	// {BaseRoot}/autosave.
	AutosaveRoot string

	// MirrorRoot is the secondary (possibly removable) storage root. Empty
	// disables mirroring.
	MirrorRoot string

	// CanonicalName is the canonical autosave filename inside BaseRoot.
	CanonicalName string

	DebounceDelay  time.Duration `validate:"gt=0"`
	CycleInterval  time.Duration `validate:"gt=0"`
	CycleSlotCount int           `validate:"min=1,max=1000"`

	TempDebounce    time.Duration `validate:"gte=0"`
	TempMaxAgeDays  int           `validate:"gte=0"`
	TempMaxPerCase  int           `validate:"gte=0"`
	CompressOldTemp bool

	SchemaVersion int `validate:"min=1"`
	Workers       int `validate:"min=1,max=64"`
}

// DefaultConfig returns a Config with the stock defaults.
func DefaultConfig() Config {
	return Config{
		BaseRoot:        ".",
		CanonicalName:   DefaultCanonicalName,
		DebounceDelay:   4000 * time.Millisecond,
		CycleInterval:   300000 * time.Millisecond,
		CycleSlotCount:  10,
		TempDebounce:    120 * time.Second,
		TempMaxAgeDays:  7,
		TempMaxPerCase:  30,
		CompressOldTemp: true,
		SchemaVersion:   1,
		Workers:         4,
	}
}

// CanonicalPath returns the canonical autosave file location.
func (c Config) CanonicalPath() string {
	return filepath.Join(c.BaseRoot, c.CanonicalName)
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.BaseRoot == "" {
		return fmt.Errorf("base-root is required")
	}
	if c.CanonicalName == "" {
		c.CanonicalName = DefaultCanonicalName
	}
	if c.AutosaveRoot == "" {
		c.AutosaveRoot = filepath.Join(c.BaseRoot, "autosave")
	}
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config field %s: failed %s check (value %v)", f.Field(), f.Tag(), f.Value())
		}
		return err
	}
	return nil
}

// configSetter applies values while respecting precedence: a value is only
// applied when the corresponding flag was not explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return
	}
	*dst = b
}
