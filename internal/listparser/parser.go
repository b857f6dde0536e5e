// Package listparser extracts domain candidates from blocklist bodies.
//
// Supported line formats:
//
//	# comment / ! comment          skipped
//	||ads.example.com^             Adblock Plus (when enabled)
//	0.0.0.0 ads.example.com        hosts file (also 127.0.0.1)
//	ads.example.com                plain domain list
//
// A list whose URL does not end in ".txt" is a meta-list: its lines are the
// URLs of further lists.
package listparser

import (
	"bufio"
	"io"
	"strings"
)

const (
	initialBuffer = 64 * 1024
	maxLineBytes  = 1024 * 1024
)

var hostsAddrs = map[string]struct{}{
	"0.0.0.0":   {},
	"127.0.0.1": {},
}

type Options struct {
	Adblock bool // recognise "||domain^" lines
}

// ParseLine returns the candidate a single list line carries, if any.
func ParseLine(line string, opts Options) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' || line[0] == '!' {
		return "", false
	}

	if opts.Adblock && strings.HasPrefix(line, "||") && strings.HasSuffix(line, "^") && len(line) > 3 {
		cand := strings.TrimSpace(line[2 : len(line)-1])
		return cand, cand != ""
	}

	parts := strings.Fields(line)
	switch {
	case len(parts) >= 2:
		if _, ok := hostsAddrs[parts[0]]; ok {
			return parts[1], true
		}
	case len(parts) == 1:
		return parts[0], true
	}
	return "", false
}

// Scanner walks a list body once, yielding candidates. It is not restartable:
// the body is usually a live network stream.
type Scanner struct {
	sc    *bufio.Scanner
	opts  Options
	cand  string
	lines int
	first bool
}

func NewScanner(r io.Reader, opts Options) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialBuffer), maxLineBytes)
	return &Scanner{sc: sc, opts: opts, first: true}
}

// Scan advances to the next line. It returns false at the end of input or on
// a read error. Lines without a candidate still count as scanned; Candidate
// is empty for them so callers can poll for cancellation on every line.
func (s *Scanner) Scan() bool {
	if !s.sc.Scan() {
		return false
	}
	s.lines++

	line := s.sc.Text()
	if s.first {
		line = strings.TrimPrefix(line, "\uFEFF")
		s.first = false
	}

	cand, ok := ParseLine(line, s.opts)
	if !ok {
		cand = ""
	}
	s.cand = cand
	return true
}

// Candidate is the domain candidate of the current line, or "".
func (s *Scanner) Candidate() string { return s.cand }

// Lines is the number of lines scanned so far.
func (s *Scanner) Lines() int { return s.lines }

func (s *Scanner) Err() error { return s.sc.Err() }

// IsMetaList reports whether listURL names a list of lists.
func IsMetaList(listURL string) bool {
	return !strings.HasSuffix(listURL, ".txt")
}

// SubListURLs reads a meta-list body and returns every line that looks like
// a URL, in order. Validation is left to the caller.
func SubListURLs(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialBuffer), maxLineBytes)

	var urls []string
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\uFEFF"))
		if strings.HasPrefix(line, "http") {
			urls = append(urls, line)
		}
	}
	return urls, sc.Err()
}
