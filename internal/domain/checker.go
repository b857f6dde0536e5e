package domain

import (
	"strings"
)

// MatchSuffix reports the first key that blocks host: the host itself or any
// of its parent domains. Blocking "example.com" blocks "a.b.example.com" but
// never "notexample.com", and a subdomain entry never blocks its parent.
func MatchSuffix(host string, has func(key string) bool) (string, bool) {
	if host == "" {
		return "", false
	}
	for {
		if has(host) {
			return host, true
		}

		j := strings.IndexByte(host, '.')
		if j == -1 {
			break
		}
		host = host[j+1:]
	}
	return "", false
}

// EntryKey is the matching key of a stored entry: the host of the entry when
// it is written as a URL, otherwise the entry itself.
func EntryKey(stored string) string {
	s := strings.TrimSpace(stored)
	if strings.Contains(s, "://") {
		if h, err := RequestHost(s); err == nil {
			return h
		}
	}
	return strings.TrimSuffix(strings.ToLower(s), ".")
}
