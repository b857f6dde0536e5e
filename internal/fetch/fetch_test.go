package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webshield/internal/domain"
)

func newClient(maxBytes int64) *Client {
	return New(Options{MaxBytes: maxBytes})
}

func TestGet_PlainBody(t *testing.T) {
	const list = "0.0.0.0 ads.example.com\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "webshield/1.0", r.Header.Get("User-Agent"))
		io.WriteString(w, list)
	}))
	defer srv.Close()

	body, err := newClient(0).Get(context.Background(), srv.URL+"/hosts.txt", 1)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, list, string(data))
	assert.Equal(t, int64(len(list)), body.ContentLength)
}

func TestGet_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "example.com\n")
	}))
	defer srv.Close()

	body, err := newClient(0).Get(context.Background(), srv.URL, 3)
	require.NoError(t, err)
	body.Close()
	assert.EqualValues(t, 3, hits.Load())
}

func TestGet_ExhaustedAttempts(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		attempts int
	}{
		{"server error", http.StatusServiceUnavailable, 2},
		{"not found is retried too", http.StatusNotFound, 3},
		{"single attempt", http.StatusForbidden, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newClient(0).Get(context.Background(), srv.URL, tt.attempts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrFetchFailed))

			var fe *Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.status, fe.Status)
			assert.Equal(t, tt.attempts, fe.Attempts)
			assert.EqualValues(t, tt.attempts, hits.Load())
		})
	}
}

func TestGet_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(0).Get(context.Background(), url, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFetchFailed))

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.Status)
	assert.Error(t, fe.Cause)
}

func TestGet_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "example.com\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(0).Get(ctx, srv.URL, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGet_DecodesGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := io.WriteString(zw, "0.0.0.0 a.example\n0.0.0.0 b.example\n")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	body, err := newClient(0).Get(context.Background(), srv.URL+"/hosts.gz", 1)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0 a.example\n0.0.0.0 b.example\n", string(data))
	assert.EqualValues(t, -1, body.ContentLength)
}

func TestGet_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	body, err := newClient(10).Get(context.Background(), srv.URL, 1)
	require.NoError(t, err)
	defer body.Close()

	_, err = io.ReadAll(body)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestGet_ExactlyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	body, err := newClient(10).Get(context.Background(), srv.URL, 1)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestError_Message(t *testing.T) {
	e := &Error{URL: "https://x.example/l.txt", Status: 404, Attempts: 3}
	assert.Equal(t, "fetch https://x.example/l.txt: status 404 after 3 attempt(s)", e.Error())
	assert.ErrorIs(t, e, domain.ErrFetchFailed)
}
