package settings

import (
	"sync/atomic"
)

// Holder publishes the live settings. Readers on the request path get an
// immutable snapshot without locking; writers swap the whole value.
type Holder struct {
	value atomic.Pointer[Settings]
}

func NewHolder(s Settings) *Holder {
	h := &Holder{}
	h.Set(s)
	return h
}

// Get returns a copy of the current settings.
func (h *Holder) Get() Settings {
	return h.value.Load().Clone()
}

func (h *Holder) WhitelistEnabled() bool {
	return h.value.Load().WhitelistEnabled
}

func (h *Holder) Set(s Settings) {
	c := s.Clone()
	h.value.Store(&c)
}
