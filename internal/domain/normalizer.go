package domain

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

var (
	ipv4Pattern     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	hostnamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]*)*\.[a-z0-9]{1,}$`)
)

// permissiveLists are sources known to carry entries the strict grammar refuses
// but which are still meaningful blocking keys.
var permissiveLists = []string{"KADhosts"}

// NormalizeDomain turns a list candidate (or user input) into a canonical
// blocking key. An empty Reason means the returned domain was accepted.
func NormalizeDomain(raw string, v Validation) (string, Reason) {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = stripScheme(d)
	if slash := strings.IndexByte(d, '/'); slash != -1 {
		d = d[:slash]
	}

	if d == "" {
		return "", ReasonEmpty
	}
	if strings.HasPrefix(d, "localhost") {
		return d, ReasonLocalhost
	}
	if v.EnforceWhitelist && v.Allowed != nil && v.Allowed(d) {
		return d, ReasonWhitelisted
	}
	if ipv4Pattern.MatchString(d) {
		return d, ""
	}

	if !isASCII(d) {
		ascii, err := idna.Lookup.ToASCII(d)
		if err != nil {
			return d, ReasonIDNAFailure
		}
		d = strings.ToLower(ascii)
		if v.EnforceWhitelist && v.Allowed != nil && v.Allowed(d) {
			return d, ReasonWhitelisted
		}
	}

	if relaxedFor(v) {
		return d, ""
	}
	if hostnamePattern.MatchString(d) {
		return d, ""
	}
	return d, ReasonInvalidFormat
}

func stripScheme(s string) string {
	for _, p := range []string{"http://", "https://"} {
		if strings.HasPrefix(s, p) {
			return s[len(p):]
		}
	}
	return s
}

func relaxedFor(v Validation) bool {
	switch v.Mode {
	case ValidationRelaxed:
		return true
	case ValidationCustom:
		for _, u := range v.CustomURLs {
			if u != "" && strings.Contains(v.ListURL, u) {
				return true
			}
		}
	}
	for _, name := range permissiveLists {
		if strings.Contains(v.ListURL, name) {
			return true
		}
	}
	return false
}

// Normalizer records every rejection it produces so an import can report
// them in bulk once it is over.
type Normalizer struct {
	v        Validation
	rejected []Rejection
}

func NewNormalizer(v Validation) *Normalizer {
	return &Normalizer{v: v}
}

// Domain returns the canonical domain and true, or records the rejection.
func (n *Normalizer) Domain(raw string) (string, bool) {
	d, reason := NormalizeDomain(raw, n.v)
	if reason != "" {
		cand := d
		if cand == "" {
			cand = strings.TrimSpace(raw)
		}
		n.rejected = append(n.rejected, Rejection{Candidate: cand, Reason: reason})
		return "", false
	}
	return d, true
}

// WithListURL switches the source list, keeping the recorded rejections.
func (n *Normalizer) WithListURL(listURL string) {
	n.v.ListURL = listURL
}

func (n *Normalizer) Rejections() []Rejection {
	return n.rejected
}

// RequestHost extracts the canonical host from a request URL such as
// "https://User@Sub.Example.COM:8443/path?q". Any scheme is accepted since
// the shell intercepts websocket and ftp requests too.
func RequestHost(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	i := strings.Index(raw, "://")
	if i <= 0 {
		return "", fmt.Errorf("url must contain scheme")
	}
	authority := raw[i+3:]
	if cut := strings.IndexAny(authority, "/?#"); cut != -1 {
		authority = authority[:cut]
	}
	return hostOf(authority)
}

// hostOf reduces a URL authority ([userinfo@]host[:port]) to a lowercase
// hostname. IP literals come back in their canonical text form.
func hostOf(authority string) (string, error) {
	if at := strings.LastIndexByte(authority, '@'); at != -1 {
		authority = authority[at+1:]
	}

	h := authority
	if strings.Contains(authority, ":") {
		if hh, _, err := net.SplitHostPort(authority); err == nil {
			h = hh
		}
	}
	h = strings.TrimSuffix(strings.TrimSpace(h), ".")
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	if h == "" {
		return "", fmt.Errorf("empty host")
	}

	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), nil
	}
	if !isASCII(h) {
		a, err := idna.Lookup.ToASCII(h)
		if err != nil {
			return "", fmt.Errorf("idna: %w", err)
		}
		h = a
	}
	return strings.ToLower(h), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
