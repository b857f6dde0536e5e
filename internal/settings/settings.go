// Package settings holds the import and blocking settings persisted next to
// the block lists. Values are range checked on construction and on load.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"webshield/internal/domain"
)

// SaveMode decides when the blocked domain file is written during imports.
type SaveMode string

const (
	SaveIncremental SaveMode = "incremental"
	SaveSingleWrite SaveMode = "single-write"
)

func ParseSaveMode(s string) (SaveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "incremental":
		return SaveIncremental, nil
	case "single-write", "único", "unico":
		return SaveSingleWrite, nil
	}
	return "", fmt.Errorf("unknown save mode %q", s)
}

func (m SaveMode) MarshalText() ([]byte, error) {
	return []byte(m), nil
}

func (m *SaveMode) UnmarshalText(b []byte) error {
	v, err := ParseSaveMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

type Settings struct {
	MaxDomains           int                   `json:"max_domains"`
	BatchSize            int                   `json:"batch_size"`
	ValidationMode       domain.ValidationMode `json:"validation_mode"`
	CustomValidationURLs []string              `json:"custom_validation_urls"`
	AdblockSupport       bool                  `json:"adblock_support"`
	Retries              int                   `json:"retries"`
	SleepTimeMS          int                   `json:"sleep_time"`
	RejectedLimit        int                   `json:"rejected_limit"`
	WhitelistEnabled     bool                  `json:"whitelist_enabled"`
	SaveMode             SaveMode              `json:"save_mode"`
}

func Default() Settings {
	return Settings{
		MaxDomains:           50000,
		BatchSize:            200,
		ValidationMode:       domain.ValidationStrict,
		CustomValidationURLs: []string{},
		AdblockSupport:       false,
		Retries:              3,
		SleepTimeMS:          5,
		RejectedLimit:        5,
		WhitelistEnabled:     true,
		SaveMode:             SaveIncremental,
	}
}

func checkRange(name string, v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%s=%d out of range [%d, %d]", name, v, min, max)
	}
	return nil
}

// Validate enforces the documented ranges. Every violation is reported.
func (s Settings) Validate() error {
	var errs []error
	for _, c := range []struct {
		name        string
		v, min, max int
	}{
		{"max_domains", s.MaxDomains, 1000, 1_000_000},
		{"batch_size", s.BatchSize, 50, 1000},
		{"retries", s.Retries, 1, 5},
		{"sleep_time", s.SleepTimeMS, 0, 50},
		{"rejected_limit", s.RejectedLimit, 5, 50},
	} {
		if err := checkRange(c.name, c.v, c.min, c.max); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := domain.ParseValidationMode(string(s.ValidationMode)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseSaveMode(string(s.SaveMode)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s Settings) SleepTime() time.Duration {
	return time.Duration(s.SleepTimeMS) * time.Millisecond
}

// Validation builds the normalizer context for a list import.
func (s Settings) Validation(listURL string, allowed func(string) bool) domain.Validation {
	return domain.Validation{
		Mode:             s.ValidationMode,
		CustomURLs:       append([]string(nil), s.CustomValidationURLs...),
		ListURL:          listURL,
		EnforceWhitelist: s.WhitelistEnabled,
		Allowed:          allowed,
	}
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	c := s
	c.CustomValidationURLs = append([]string{}, s.CustomValidationURLs...)
	return c
}

// Decode parses a settings document. Keys missing from data keep their
// default values.
func Decode(data []byte) (Settings, error) {
	s := Default()
	if err := sonic.ConfigStd.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if s.CustomValidationURLs == nil {
		s.CustomValidationURLs = []string{}
	}
	s.CustomValidationURLs = cleanURLs(s.CustomValidationURLs)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func cleanURLs(in []string) []string {
	out := in[:0]
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Load reads the settings file, creating it with defaults when missing.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		def := Default()
		if err := Save(path, def); err != nil {
			return def, err
		}
		return def, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	return Decode(data)
}

// Save validates s and writes it atomically.
func Save(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := sonic.ConfigStd.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", domain.ErrPersistence, path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", domain.ErrPersistence, path, err)
	}
	return nil
}
