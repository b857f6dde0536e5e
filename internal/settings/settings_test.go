package settings

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webshield/internal/domain"
)

func TestDefault_IsValid(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, 50000, s.MaxDomains)
	assert.Equal(t, 200, s.BatchSize)
	assert.Equal(t, domain.ValidationStrict, s.ValidationMode)
	assert.Equal(t, SaveIncremental, s.SaveMode)
	assert.True(t, s.WhitelistEnabled)
	assert.Equal(t, 5*time.Millisecond, s.SleepTime())
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"max_domains low", func(s *Settings) { s.MaxDomains = 999 }},
		{"max_domains high", func(s *Settings) { s.MaxDomains = 1_000_001 }},
		{"batch_size low", func(s *Settings) { s.BatchSize = 49 }},
		{"batch_size high", func(s *Settings) { s.BatchSize = 1001 }},
		{"retries zero", func(s *Settings) { s.Retries = 0 }},
		{"retries high", func(s *Settings) { s.Retries = 6 }},
		{"sleep negative", func(s *Settings) { s.SleepTimeMS = -1 }},
		{"sleep high", func(s *Settings) { s.SleepTimeMS = 51 }},
		{"rejected low", func(s *Settings) { s.RejectedLimit = 4 }},
		{"rejected high", func(s *Settings) { s.RejectedLimit = 51 }},
		{"mode", func(s *Settings) { s.ValidationMode = "loose" }},
		{"save mode", func(s *Settings) { s.SaveMode = "sometimes" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestDecode_LegacyLabelsAndDefaults(t *testing.T) {
	data := []byte(`{
		"max_domains": 100000,
		"validation_mode": "Personalizada",
		"custom_validation_urls": ["  lists.example.net ", ""],
		"save_mode": "Único"
	}`)

	s, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, 100000, s.MaxDomains)
	assert.Equal(t, domain.ValidationCustom, s.ValidationMode)
	assert.Equal(t, SaveSingleWrite, s.SaveMode)
	assert.Equal(t, []string{"lists.example.net"}, s.CustomValidationURLs)
	// untouched keys keep defaults
	assert.Equal(t, 200, s.BatchSize)
	assert.Equal(t, 3, s.Retries)
	assert.True(t, s.WhitelistEnabled)
}

func TestDecode_OutOfRangeIsError(t *testing.T) {
	_, err := Decode([]byte(`{"batch_size": 5}`))
	assert.Error(t, err)
}

func TestLoad_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)

	_, err = os.Stat(path)
	require.NoError(t, err, "settings file should be created")
}

func TestSaveLoad_RoundTripsCanonicalNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s := Default()
	s.ValidationMode = domain.ValidationRelaxed
	s.SaveMode = SaveSingleWrite
	s.AdblockSupport = true
	require.NoError(t, Save(path, s))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"validation_mode": "relaxed"`)
	assert.Contains(t, string(raw), `"save_mode": "single-write"`)

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := Default()
	s.Retries = 10

	require.Error(t, Save(path, s))
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestValidation_CopiesCustomURLs(t *testing.T) {
	s := Default()
	s.ValidationMode = domain.ValidationCustom
	s.CustomValidationURLs = []string{"a.example"}

	v := s.Validation("https://a.example/hosts.txt", nil)
	s.CustomValidationURLs[0] = "changed"

	assert.Equal(t, []string{"a.example"}, v.CustomURLs)
	assert.Equal(t, "https://a.example/hosts.txt", v.ListURL)
	assert.True(t, v.EnforceWhitelist)
}

func TestHolder_SnapshotIsolation(t *testing.T) {
	s := Default()
	s.CustomValidationURLs = []string{"a.example"}
	h := NewHolder(s)

	got := h.Get()
	got.CustomValidationURLs[0] = "mutated"
	got.MaxDomains = 1

	again := h.Get()
	assert.Equal(t, "a.example", again.CustomValidationURLs[0])
	assert.Equal(t, 50000, again.MaxDomains)
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	h := NewHolder(Default())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s := Default()
			s.WhitelistEnabled = i%2 == 0
			h.Set(s)
		}
	}()

	for r := 0; r < 10; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_ = h.WhitelistEnabled()
				_ = h.Get()
			}
		}()
	}

	wg.Wait()
}
