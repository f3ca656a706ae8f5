package vaultcfg

import "os"

// ApplyEnvConfig applies configuration from CASEVAULT_* environment
// variables. Env values override the file but are overridden by explicitly
// set flags (the changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("base-root", os.Getenv("CASEVAULT_BASE_ROOT"), &cfg.BaseRoot)
	s.setString("autosave-root", os.Getenv("CASEVAULT_AUTOSAVE_ROOT"), &cfg.AutosaveRoot)
	s.setString("mirror-root", os.Getenv("CASEVAULT_MIRROR_ROOT"), &cfg.MirrorRoot)
	s.setString("canonical-name", os.Getenv("CASEVAULT_CANONICAL_NAME"), &cfg.CanonicalName)

	if err := s.setDuration("debounce-delay", os.Getenv("CASEVAULT_DEBOUNCE_DELAY"), &cfg.DebounceDelay); err != nil {
		return err
	}
	if err := s.setDuration("cycle-interval", os.Getenv("CASEVAULT_CYCLE_INTERVAL"), &cfg.CycleInterval); err != nil {
		return err
	}
	if err := s.setDuration("temp-debounce", os.Getenv("CASEVAULT_TEMP_DEBOUNCE"), &cfg.TempDebounce); err != nil {
		return err
	}

	if err := s.setIntFromString("cycle-slots", os.Getenv("CASEVAULT_CYCLE_SLOT_COUNT"), &cfg.CycleSlotCount); err != nil {
		return err
	}
	if err := s.setIntFromString("temp-max-age-days", os.Getenv("CASEVAULT_TEMP_MAX_AGE_DAYS"), &cfg.TempMaxAgeDays); err != nil {
		return err
	}
	if err := s.setIntFromString("temp-max-per-case", os.Getenv("CASEVAULT_TEMP_MAX_PER_CASE"), &cfg.TempMaxPerCase); err != nil {
		return err
	}
	if err := s.setIntFromString("schema-version", os.Getenv("CASEVAULT_SCHEMA_VERSION"), &cfg.SchemaVersion); err != nil {
		return err
	}
	if err := s.setIntFromString("workers", os.Getenv("CASEVAULT_WORKERS"), &cfg.Workers); err != nil {
		return err
	}

	s.setBoolFromString("compress-old-temp", os.Getenv("CASEVAULT_COMPRESS_OLD_TEMP"), &cfg.CompressOldTemp)

	return nil
}
