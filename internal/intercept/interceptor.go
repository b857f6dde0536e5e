// Package intercept decides, for every outgoing browser request, whether it
// must be blocked.
package intercept

import (
	"html/template"
	"io"

	"go.uber.org/zap"

	"webshield/internal/domain"
	"webshield/internal/metrics"
)

type Verdict string

const (
	VerdictAllowed     Verdict = "allowed"
	VerdictBlocked     Verdict = "blocked"
	VerdictWhitelisted Verdict = "whitelisted"
	VerdictInvalid     Verdict = "invalid"
)

// Decision is the outcome for one request URL.
type Decision struct {
	Host    string  `json:"host"`
	Verdict Verdict `json:"verdict"`
	Match   string  `json:"match,omitempty"` // blocked entry that covers Host
}

func (d Decision) Blocked() bool { return d.Verdict == VerdictBlocked }

// Lookup is the read side of the block store.
type Lookup interface {
	IsAllowed(host string) bool
	MatchBlocked(host string) (string, bool)
}

// Interceptor is safe for concurrent use; it never mutates the store.
type Interceptor struct {
	lookup    Lookup
	whitelist func() bool // whether whitelist enforcement is on
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(l Lookup, whitelistEnabled func() bool, m *metrics.Metrics, logger *zap.Logger) *Interceptor {
	if whitelistEnabled == nil {
		whitelistEnabled = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		lookup:    l,
		whitelist: whitelistEnabled,
		metrics:   m,
		logger:    logger.Named("intercept"),
	}
}

// Decide evaluates a request URL. Whitelisted hosts always pass; otherwise
// the host is blocked when it, or one of its parent domains, is blocked.
// URLs without a host are allowed.
func (i *Interceptor) Decide(requestURL string) Decision {
	d := i.decide(requestURL)
	if i.metrics != nil {
		i.metrics.Decisions.WithLabelValues(string(d.Verdict)).Inc()
	}
	if d.Blocked() {
		i.logger.Debug("request blocked",
			zap.String("host", d.Host), zap.String("match", d.Match))
	}
	return d
}

func (i *Interceptor) decide(requestURL string) Decision {
	host, err := domain.RequestHost(requestURL)
	if err != nil {
		return Decision{Verdict: VerdictInvalid}
	}

	if i.whitelist() && i.lookup.IsAllowed(host) {
		return Decision{Host: host, Verdict: VerdictWhitelisted}
	}
	if match, ok := i.lookup.MatchBlocked(host); ok {
		return Decision{Host: host, Verdict: VerdictBlocked, Match: match}
	}
	return Decision{Host: host, Verdict: VerdictAllowed}
}

// ShouldBlock is the predicate the browser shell calls on every request.
func (i *Interceptor) ShouldBlock(requestURL string) bool {
	return i.Decide(requestURL).Blocked()
}

var blockPage = template.Must(template.New("blocked").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Blocked</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 15%;">
<h1>Site blocked</h1>
<p><strong>{{.Host}}</strong> is on your block list{{if and .Match (ne .Match .Host)}} (matched <code>{{.Match}}</code>){{end}}.</p>
</body>
</html>
`))

// BlockPage renders the page the shell shows in place of a blocked document.
func BlockPage(w io.Writer, d Decision) error {
	return blockPage.Execute(w, d)
}
