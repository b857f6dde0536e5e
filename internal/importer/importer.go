// Package importer downloads block lists and feeds their domains into the
// store in batches.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"webshield/internal/domain"
	"webshield/internal/fetch"
	"webshield/internal/listparser"
	"webshield/internal/metrics"
	"webshield/internal/settings"
	"webshield/internal/store"
)

// defaultEstimate stands in for the line count when the server sends no
// Content-Length. bytesPerLine turns a length into an estimate.
const (
	defaultEstimate = 50000
	bytesPerLine    = 50
)

type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateParsing   State = "parsing"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Progress is an intermediate import event.
type Progress struct {
	State   State  `json:"state"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// Token cancels an import. Cancellation is observed between lines and
// between sub-lists; an in-flight read finishes first.
type Token struct {
	cancelled atomic.Bool
}

func NewToken() *Token { return &Token{} }

func (t *Token) Cancel() { t.cancelled.Store(true) }

func (t *Token) Cancelled() bool { return t != nil && t.cancelled.Load() }

// Result is the terminal outcome of an import.
type Result struct {
	URL        string             `json:"url"`
	State      State              `json:"state"`
	Added      int                `json:"added"`
	Validated  int                `json:"validated"`
	Rejected   []domain.Rejection `json:"rejected"`
	Warnings   []string           `json:"warnings,omitempty"`
	CapReached bool               `json:"cap_reached"`
	Message    string             `json:"message"`
	Err        error              `json:"-"`
}

// RejectedSummary renders the count and the first limit rejected candidates.
func (r Result) RejectedSummary(limit int) string {
	if len(r.Rejected) == 0 {
		return ""
	}
	n := min(limit, len(r.Rejected))
	names := make([]string, 0, n)
	for _, rej := range r.Rejected[:n] {
		names = append(names, rej.Candidate)
	}
	s := fmt.Sprintf("rejected domains (%d): %s", len(r.Rejected), strings.Join(names, ", "))
	if len(r.Rejected) > n {
		s += "..."
	}
	return s
}

// Fetcher downloads a list, retrying up to attempts times.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, attempts int) (*fetch.Body, error)
}

// Store is the part of the block store an import writes to.
type Store interface {
	Contains(k store.Kind, entry string) bool
	Add(k store.Kind, entries ...string) (int, error)
	AddDeferred(k store.Kind, entries ...string) int
	AddList(rawURL string) (bool, error)
	IsAllowed(d string) bool
	Flush() error
}

type Importer struct {
	fetcher  Fetcher
	store    Store
	settings *settings.Holder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(f Fetcher, st Store, s *settings.Holder, m *metrics.Metrics, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		fetcher:  f,
		store:    st,
		settings: s,
		metrics:  m,
		logger:   logger.Named("importer"),
	}
}

// NormalizeListURL prefixes https:// when no scheme is given and checks the
// result is an absolute URL with a host.
func NormalizeListURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || strings.ContainsAny(u.Host, " \t") {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidURL, raw)
	}
	return raw, nil
}

// Run imports the list at rawURL. It blocks until a terminal state and
// reports intermediate progress through onProgress, which may be nil.
func (imp *Importer) Run(ctx context.Context, rawURL string, tok *Token, onProgress func(Progress)) Result {
	start := time.Now()
	r := &run{
		imp:  imp,
		ctx:  ctx,
		tok:  tok,
		emit: onProgress,
		cfg:  imp.settings.Get(),
		seen: make(map[string]struct{}),
	}
	if r.emit == nil {
		r.emit = func(Progress) {}
	}

	res := r.execute(rawURL)

	if imp.metrics != nil {
		imp.metrics.ImportsTotal.WithLabelValues(string(res.State)).Inc()
		imp.metrics.ImportDuration.Observe(time.Since(start).Seconds())
		imp.metrics.DomainsAdded.Add(float64(res.Added))
		for _, rej := range res.Rejected {
			imp.metrics.DomainsRejected.WithLabelValues(string(rej.Reason)).Inc()
		}
	}

	fields := []zap.Field{
		zap.String("url", res.URL),
		zap.String("state", string(res.State)),
		zap.Int("added", res.Added),
		zap.Int("validated", res.Validated),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("took", time.Since(start)),
	}
	if res.Err != nil {
		imp.logger.Warn("import failed", append(fields, zap.Error(res.Err))...)
	} else {
		imp.logger.Info("import finished", fields...)
	}
	return res
}

var errCancelled = errors.New("import cancelled")

// run is the state of one import.
type run struct {
	imp  *Importer
	ctx  context.Context
	tok  *Token
	emit func(Progress)
	cfg  settings.Settings
	norm *domain.Normalizer

	batch []string
	seen  map[string]struct{} // batch members
	added int
	found int // new domains, flushed or pending

	validated  int
	capReached bool
	warnings   []string
}

func (r *run) cancelled() bool {
	return r.tok.Cancelled() || r.ctx.Err() != nil
}

func (r *run) progress(state State, pct int, format string, args ...any) {
	r.emit(Progress{State: state, Percent: min(max(pct, 0), 100), Message: fmt.Sprintf(format, args...)})
}

func (r *run) execute(rawURL string) Result {
	res := Result{URL: strings.TrimSpace(rawURL)}

	listURL, err := NormalizeListURL(rawURL)
	if err != nil {
		return r.fail(res, err)
	}
	res.URL = listURL

	if _, err := r.imp.store.AddList(listURL); err != nil {
		// the subscription stays in memory; the import itself can proceed
		r.warn("could not save list url: %v", err)
	}

	r.norm = domain.NewNormalizer(r.cfg.Validation(listURL, r.imp.store.IsAllowed))

	r.progress(StateFetching, 0, "downloading %s", listURL)
	body, err := r.imp.fetcher.Get(r.ctx, listURL, r.cfg.Retries)
	if err != nil {
		if r.cancelled() {
			return r.finish(res, StateCancelled)
		}
		if r.imp.metrics != nil {
			r.imp.metrics.FetchFailures.Inc()
		}
		return r.fail(res, err)
	}

	if listparser.IsMetaList(listURL) {
		err = r.meta(body)
	} else {
		err = r.direct(body)
	}
	body.Close()

	flushErr := r.flush()
	if r.cfg.SaveMode == settings.SaveSingleWrite {
		if ferr := r.imp.store.Flush(); ferr != nil && flushErr == nil {
			flushErr = ferr
		}
	}
	if flushErr != nil {
		r.warn("saving blocked domains: %v", flushErr)
	}

	switch {
	case errors.Is(err, errCancelled):
		return r.finish(res, StateCancelled)
	case err != nil:
		return r.fail(res, err)
	case r.validated == 0:
		return r.fail(res, domain.ErrNoValidDomains)
	}
	return r.finish(res, StateCompleted)
}

func (r *run) finish(res Result, state State) Result {
	res.State = state
	res.Added = r.added
	res.Validated = r.validated
	res.Rejected = r.rejections()
	res.Warnings = r.warnings
	res.CapReached = r.capReached

	switch state {
	case StateCancelled:
		res.Message = fmt.Sprintf("import cancelled, %d domains added", r.added)
	case StateCompleted:
		res.Message = fmt.Sprintf("%d domains added to the block list", r.added)
	}
	return res
}

func (r *run) fail(res Result, err error) Result {
	res = r.finish(res, StateFailed)
	res.Err = err
	res.Message = err.Error()
	return res
}

func (r *run) rejections() []domain.Rejection {
	if r.norm == nil {
		return nil
	}
	return r.norm.Rejections()
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.imp.logger.Warn(msg)
}

// direct streams a single list.
func (r *run) direct(body *fetch.Body) error {
	estimate := defaultEstimate
	if body.ContentLength > 0 {
		estimate = max(int(body.ContentLength/bytesPerLine), 1)
	}

	return r.scan(body, func(lines int) {
		r.progress(StateParsing, lines*100/estimate, "processing domain %d/%d", r.found, estimate)
	})
}

// meta fetches every sub-list named by body in order. A sub-list that cannot
// be fetched is skipped with a warning.
func (r *run) meta(body *fetch.Body) error {
	urls, err := listparser.SubListURLs(body)
	if err != nil {
		return fmt.Errorf("%w: reading list of lists: %v", domain.ErrFetchFailed, err)
	}
	total := len(urls)

	for i, u := range urls {
		if r.cancelled() {
			return errCancelled
		}
		if _, ok := store.ValidListURL(u); !ok {
			r.warn("skipping invalid sub-list url %q", u)
			continue
		}

		r.progress(StateFetching, i*50/total, "processing sub-list %d/%d", i+1, total)
		sub, err := r.imp.fetcher.Get(r.ctx, u, r.cfg.Retries)
		if err != nil {
			if r.cancelled() {
				return errCancelled
			}
			if r.imp.metrics != nil {
				r.imp.metrics.FetchFailures.Inc()
			}
			r.warn("sub-list %s skipped: %v", u, err)
			continue
		}

		r.norm.WithListURL(u)
		pct := 50 + (i+1)*50/total
		err = r.scan(sub, func(int) {
			r.progress(StateParsing, pct, "processing domain %d", r.found)
		})
		sub.Close()

		switch {
		case errors.Is(err, errCancelled):
			return err
		case err != nil:
			r.warn("sub-list %s truncated: %v", u, err)
		}
		if r.capReached {
			break
		}
	}
	return nil
}

// scan runs one list body through the parser and normalizer. onBatch gets
// the number of lines read after every flushed batch.
func (r *run) scan(body io.Reader, onBatch func(lines int)) error {
	sc := listparser.NewScanner(body, listparser.Options{Adblock: r.cfg.AdblockSupport})

	for sc.Scan() {
		if r.cancelled() {
			return errCancelled
		}

		cand := sc.Candidate()
		if cand == "" {
			continue
		}
		d, ok := r.norm.Domain(cand)
		if !ok {
			r.imp.logger.Debug("rejected candidate", zap.String("candidate", cand))
			continue
		}
		r.validated++

		// check-then-write: dedup against the pending batch and the store
		if _, dup := r.seen[d]; dup || r.imp.store.Contains(store.Blocked, d) {
			continue
		}
		r.batch = append(r.batch, d)
		r.seen[d] = struct{}{}
		r.found++

		if len(r.batch) >= r.cfg.BatchSize {
			if err := r.flush(); err != nil {
				r.warn("saving blocked domains: %v", err)
			}
			onBatch(sc.Lines())
			if err := r.pause(); err != nil {
				return errCancelled
			}
		}
		if r.found >= r.cfg.MaxDomains {
			r.capReached = true
			r.progress(StateParsing, 100, "limit of %d domains reached", r.cfg.MaxDomains)
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: reading list: %v", domain.ErrFetchFailed, err)
	}
	return nil
}

// flush hands the pending batch to the store. In single-write mode the file
// is written once at the end of the import.
func (r *run) flush() error {
	if len(r.batch) == 0 {
		return nil
	}
	var (
		n   int
		err error
	)
	if r.cfg.SaveMode == settings.SaveSingleWrite {
		n = r.imp.store.AddDeferred(store.Blocked, r.batch...)
	} else {
		n, err = r.imp.store.Add(store.Blocked, r.batch...)
	}
	r.added += n
	r.batch = r.batch[:0]
	clear(r.seen)
	return err
}

func (r *run) pause() error {
	d := r.cfg.SleepTime()
	if d <= 0 {
		return r.ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-t.C:
		return nil
	}
}
