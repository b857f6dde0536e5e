package intercept

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webshield/internal/metrics"
	"webshield/internal/store"
)

func newTestStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = st.Add(store.Blocked, "blocked.com", "ads.example.net", "example.org")
	require.NoError(t, err)
	_, err = st.Add(store.Allowed, "good.example.org")
	require.NoError(t, err)
	return st
}

func TestDecide(t *testing.T) {
	ic := New(newTestStore(t), nil, nil, nil)

	tests := []struct {
		url     string
		verdict Verdict
		host    string
		match   string
	}{
		{"https://blocked.com/", VerdictBlocked, "blocked.com", "blocked.com"},
		{"https://WWW.Blocked.COM:8443/a?b", VerdictBlocked, "www.blocked.com", "blocked.com"},
		{"wss://cdn.ads.example.net/socket", VerdictBlocked, "cdn.ads.example.net", "ads.example.net"},
		{"https://notblocked.com/", VerdictAllowed, "notblocked.com", ""},
		{"https://blocked.com.evil.io/", VerdictAllowed, "blocked.com.evil.io", ""},
		{"https://example.net/", VerdictAllowed, "example.net", ""},
		{"https://good.example.org/page", VerdictWhitelisted, "good.example.org", ""},
		{"https://bad.example.org/page", VerdictBlocked, "bad.example.org", "example.org"},
		{"about:blank", VerdictInvalid, "", ""},
		{"", VerdictInvalid, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d := ic.Decide(tt.url)
			assert.Equal(t, tt.verdict, d.Verdict)
			assert.Equal(t, tt.host, d.Host)
			assert.Equal(t, tt.match, d.Match)
			assert.Equal(t, tt.verdict == VerdictBlocked, ic.ShouldBlock(tt.url))
		})
	}
}

func TestDecide_WhitelistDisabled(t *testing.T) {
	enabled := false
	ic := New(newTestStore(t), func() bool { return enabled }, nil, nil)

	d := ic.Decide("https://good.example.org/")
	assert.Equal(t, VerdictBlocked, d.Verdict)
	assert.Equal(t, "example.org", d.Match)

	enabled = true
	assert.False(t, ic.ShouldBlock("https://good.example.org/"))
}

func TestDecide_WhitelistedEntryItself(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Add(store.Allowed, "blocked.com")
	require.NoError(t, err)

	ic := New(st, nil, nil, nil)
	assert.Equal(t, VerdictWhitelisted, ic.Decide("https://blocked.com").Verdict)
	// the whitelist is exact; subdomains stay blocked
	assert.Equal(t, VerdictBlocked, ic.Decide("https://sub.blocked.com").Verdict)
}

func TestDecide_SeesStoreChanges(t *testing.T) {
	st := newTestStore(t)
	ic := New(st, nil, nil, nil)

	assert.False(t, ic.ShouldBlock("https://tracker.io/pixel"))
	_, err := st.BlockDomain("tracker.io", true)
	require.NoError(t, err)
	assert.True(t, ic.ShouldBlock("https://tracker.io/pixel"))

	_, err = st.Remove(store.Blocked, "tracker.io")
	require.NoError(t, err)
	assert.False(t, ic.ShouldBlock("https://tracker.io/pixel"))
}

func TestDecide_CountsMetrics(t *testing.T) {
	m := metrics.New()
	ic := New(newTestStore(t), nil, m, nil)

	ic.Decide("https://blocked.com/")
	ic.Decide("https://sub.blocked.com/")
	ic.Decide("https://fine.io/")
	ic.Decide("https://good.example.org/")
	ic.Decide("nonsense")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues(string(VerdictBlocked))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues(string(VerdictAllowed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues(string(VerdictWhitelisted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues(string(VerdictInvalid))))
}

func TestBlockPage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, BlockPage(&buf, Decision{Host: "www.blocked.com", Verdict: VerdictBlocked, Match: "blocked.com"}))
	assert.Contains(t, buf.String(), "<strong>www.blocked.com</strong>")
	assert.Contains(t, buf.String(), "<code>blocked.com</code>")

	buf.Reset()
	require.NoError(t, BlockPage(&buf, Decision{Host: "blocked.com", Verdict: VerdictBlocked, Match: "blocked.com"}))
	assert.NotContains(t, buf.String(), "<code>")

	buf.Reset()
	require.NoError(t, BlockPage(&buf, Decision{Host: "<script>x</script>", Verdict: VerdictBlocked}))
	assert.NotContains(t, buf.String(), "<script>")
}

func BenchmarkDecide(b *testing.B) {
	ic := New(newTestStore(b), nil, nil, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !ic.ShouldBlock("https://a.b.c.ads.example.net/banner.js") {
			b.Fatal("expected blocked")
		}
	}
}
