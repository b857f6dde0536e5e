package domain

import "errors"

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrNoValidDomains = errors.New("no valid domains found in list")
	ErrPersistence    = errors.New("persistence failure")
	ErrRejected       = errors.New("domain rejected")
)

// RejectedError carries the reason a single manually entered domain was refused.
type RejectedError struct {
	Rejection
}

func (e *RejectedError) Error() string {
	return "domain " + e.Candidate + " rejected: " + string(e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }
