package domain

import (
	"fmt"
	"strings"
)

// Reason explains why a candidate was refused by the normalizer.
type Reason string

const (
	ReasonEmpty         Reason = "empty"
	ReasonLocalhost     Reason = "localhost"
	ReasonWhitelisted   Reason = "whitelisted"
	ReasonIDNAFailure   Reason = "idna-failure"
	ReasonInvalidFormat Reason = "invalid-format"
)

// Rejection is a candidate that did not make it into the block list.
type Rejection struct {
	Candidate string `json:"candidate"`
	Reason    Reason `json:"reason"`
}

// ValidationMode selects how strictly hostnames are checked.
type ValidationMode string

const (
	ValidationStrict  ValidationMode = "strict"
	ValidationRelaxed ValidationMode = "relaxed"
	ValidationCustom  ValidationMode = "custom"
)

// Older settings files carry the labels the browser UI used to show.
var legacyValidationModes = map[string]ValidationMode{
	"rigorosa":      ValidationStrict,
	"relaxada":      ValidationRelaxed,
	"personalizada": ValidationCustom,
}

// ParseValidationMode accepts canonical and legacy spellings.
func ParseValidationMode(s string) (ValidationMode, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch ValidationMode(v) {
	case ValidationStrict, ValidationRelaxed, ValidationCustom:
		return ValidationMode(v), nil
	}
	if m, ok := legacyValidationModes[v]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown validation mode %q", s)
}

func (m ValidationMode) MarshalText() ([]byte, error) {
	return []byte(m), nil
}

func (m *ValidationMode) UnmarshalText(b []byte) error {
	v, err := ParseValidationMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Validation is the context a candidate is normalized in.
type Validation struct {
	Mode       ValidationMode
	CustomURLs []string
	ListURL    string

	// EnforceWhitelist rejects candidates for which Allowed reports true.
	EnforceWhitelist bool
	Allowed          func(string) bool
}
