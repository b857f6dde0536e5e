// Package store keeps the blocked domains, the whitelist and the subscribed
// list URLs in memory and mirrors each of them to a JSON file.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"webshield/internal/domain"
)

type Kind string

const (
	Blocked Kind = "blocked"
	Allowed Kind = "allowed"
	Lists   Kind = "lists"
)

var Kinds = []Kind{Blocked, Allowed, Lists}

var ErrUnknownKind = errors.New("unknown store kind")

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Blocked, Allowed, Lists:
		return k, nil
	case "whitelist":
		return Allowed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

var defaultFiles = map[Kind]string{
	Blocked: "blocked_sites.json",
	Allowed: "whitelist.json",
	Lists:   "blocked_lists.json",
}

type Options struct {
	Dir    string
	Logger *zap.Logger
}

// set is an insertion-ordered string set backed by a file. Removed entries
// leave an empty slot in items until enough of them pile up to compact.
type set struct {
	path  string
	items []string
	index map[string]int // entry -> position in items
	holes int

	version uint64 // bumped on every mutation
	saved   uint64 // version last written to disk

	wmu sync.Mutex // serializes file writes
}

func newSet(path string) *set {
	return &set{path: path, index: make(map[string]int)}
}

func (s *set) add(v string) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = len(s.items)
	s.items = append(s.items, v)
	s.version++
	return true
}

func (s *set) remove(v string) bool {
	i, ok := s.index[v]
	if !ok {
		return false
	}
	delete(s.index, v)
	s.items[i] = ""
	s.holes++
	if s.holes > 1024 && s.holes*2 >= len(s.items) {
		s.compact()
	}
	s.version++
	return true
}

func (s *set) compact() {
	live := make([]string, 0, len(s.index))
	for _, e := range s.items {
		if e != "" {
			s.index[e] = len(live)
			live = append(live, e)
		}
	}
	s.items = live
	s.holes = 0
}

func (s *set) len() int { return len(s.index) }

// values returns the live entries in insertion order.
func (s *set) values() []string {
	if s.holes == 0 {
		return slices.Clone(s.items)
	}
	out := make([]string, 0, len(s.index))
	for _, e := range s.items {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Store is safe for concurrent use. Mutations take the write lock only while
// touching memory; files are written from a snapshot afterwards.
type Store struct {
	mu     sync.RWMutex
	sets   map[Kind]*set
	logger *zap.Logger
}

// Open loads the three files from opts.Dir. Missing files are empty sets.
// Blocked and allowed entries are normalized again; entries that no longer
// normalize, and list URLs that do not parse, are dropped with a warning.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", domain.ErrPersistence, err)
	}

	st := &Store{
		sets:   make(map[Kind]*set, len(Kinds)),
		logger: opts.Logger.Named("store"),
	}
	for _, k := range Kinds {
		s := newSet(filepath.Join(opts.Dir, defaultFiles[k]))
		raw, err := readArray(s.path)
		if err != nil {
			return nil, err
		}

		dropped := 0
		for _, entry := range raw {
			v, ok := canonical(k, entry)
			if !ok {
				dropped++
				st.logger.Warn("dropping invalid stored entry",
					zap.String("kind", string(k)), zap.String("entry", entry))
				continue
			}
			s.add(v)
		}
		s.saved = s.version
		st.sets[k] = s

		st.logger.Info("loaded",
			zap.String("kind", string(k)),
			zap.Int("entries", s.len()),
			zap.Int("dropped", dropped))
	}
	return st, nil
}

// canonical re-normalizes a stored entry. Loading is lenient about the
// hostname grammar since entries may come from relaxed imports.
func canonical(k Kind, entry string) (string, bool) {
	if k == Lists {
		return ValidListURL(entry)
	}
	if strings.Contains(entry, "://") {
		entry = domain.EntryKey(entry)
	}
	d, reason := domain.NormalizeDomain(entry, domain.Validation{Mode: domain.ValidationRelaxed})
	return d, reason == ""
}

// ValidListURL reports whether raw is an absolute http(s) URL with a host.
func ValidListURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return raw, true
}

func readArray(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var out []string
	if err := sonic.ConfigStd.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrPersistence, path, err)
	}
	return out, nil
}

func (st *Store) set(k Kind) *set {
	s, ok := st.sets[k]
	if !ok {
		panic(fmt.Sprintf("store: unknown kind %q", k))
	}
	return s
}

// Add inserts entries that are not present yet and writes the kind's file.
// It returns how many were new. On a write failure the entries stay in
// memory and the error wraps domain.ErrPersistence.
func (st *Store) Add(k Kind, entries ...string) (int, error) {
	n := st.AddDeferred(k, entries...)
	if n == 0 {
		return 0, nil
	}
	return n, st.persist(k)
}

// AddDeferred inserts entries in memory only; Flush writes them.
func (st *Store) AddDeferred(k Kind, entries ...string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.set(k)
	n := 0
	for _, e := range entries {
		if s.add(e) {
			n++
		}
	}
	return n
}

// Remove deletes entry and writes the kind's file. It reports whether the
// entry was present.
func (st *Store) Remove(k Kind, entry string) (bool, error) {
	st.mu.Lock()
	ok := st.set(k).remove(entry)
	st.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, st.persist(k)
}

func (st *Store) Contains(k Kind, entry string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.set(k).index[entry]
	return ok
}

// All returns the entries of k in insertion order.
func (st *Store) All(k Kind) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.set(k).values()
}

func (st *Store) Len(k Kind) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.set(k).len()
}

// Filter returns the entries of k containing substr, case-insensitively.
func (st *Store) Filter(k Kind, substr string) []string {
	substr = strings.ToLower(strings.TrimSpace(substr))
	if substr == "" {
		return st.All(k)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []string
	for _, e := range st.set(k).items {
		if strings.Contains(strings.ToLower(e), substr) {
			out = append(out, e)
		}
	}
	return out
}

// Flush writes every kind with unsaved changes.
func (st *Store) Flush() error {
	var errs []error
	for _, k := range Kinds {
		if err := st.persist(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MatchBlocked returns the blocked entry that covers host: the host itself or
// one of its parent domains.
func (st *Store) MatchBlocked(host string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	idx := st.sets[Blocked].index
	return domain.MatchSuffix(host, func(key string) bool {
		_, ok := idx[key]
		return ok
	})
}

// IsAllowed reports whether d is whitelisted. It matches the signature of
// domain.Validation.Allowed.
func (st *Store) IsAllowed(d string) bool {
	return st.Contains(Allowed, d)
}

// BlockDomain normalizes raw and adds it to the blocked set. With whitelist
// enforcement on, whitelisted domains are refused.
func (st *Store) BlockDomain(raw string, enforceWhitelist bool) (string, error) {
	d, reason := domain.NormalizeDomain(raw, domain.Validation{
		Mode:             domain.ValidationStrict,
		EnforceWhitelist: enforceWhitelist,
		Allowed:          st.IsAllowed,
	})
	if reason != "" {
		return "", &domain.RejectedError{Rejection: domain.Rejection{Candidate: strings.TrimSpace(raw), Reason: reason}}
	}
	_, err := st.Add(Blocked, d)
	return d, err
}

// AllowDomain whitelists raw and removes it from the blocked set.
func (st *Store) AllowDomain(raw string) (string, error) {
	d, reason := domain.NormalizeDomain(raw, domain.Validation{Mode: domain.ValidationStrict})
	if reason != "" {
		return "", &domain.RejectedError{Rejection: domain.Rejection{Candidate: strings.TrimSpace(raw), Reason: reason}}
	}

	st.mu.Lock()
	added := st.sets[Allowed].add(d)
	removed := st.sets[Blocked].remove(d)
	st.mu.Unlock()

	var errs []error
	if added {
		errs = append(errs, st.persist(Allowed))
	}
	if removed {
		errs = append(errs, st.persist(Blocked))
	}
	return d, errors.Join(errs...)
}

// AddList subscribes a list URL. It reports whether the URL was new.
func (st *Store) AddList(raw string) (bool, error) {
	u, ok := ValidListURL(raw)
	if !ok {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidURL, raw)
	}
	n, err := st.Add(Lists, u)
	return n > 0, err
}

// persist writes k if it changed since the last write. Concurrent callers
// never write an older snapshot over a newer one.
func (st *Store) persist(k Kind) error {
	s := st.set(k)

	s.wmu.Lock()
	defer s.wmu.Unlock()

	st.mu.RLock()
	version := s.version
	if version == s.saved {
		st.mu.RUnlock()
		return nil
	}
	snapshot := s.values()
	st.mu.RUnlock()

	if err := writeArray(s.path, snapshot); err != nil {
		st.logger.Error("persist failed", zap.String("kind", string(k)), zap.Error(err))
		return err
	}

	st.mu.Lock()
	s.saved = version
	st.mu.Unlock()
	return nil
}

func writeArray(path string, items []string) error {
	if items == nil {
		items = []string{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(items, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrPersistence, path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
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
