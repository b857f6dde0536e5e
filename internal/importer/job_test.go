package importer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webshield/internal/fetch"
	"webshield/internal/store"
)

// gatedFetcher blocks every download until release is closed.
func gatedFetcher(release <-chan struct{}, body string) *fakeFetcher {
	return &fakeFetcher{get: func(ctx context.Context, u string) (*fetch.Body, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, &fetch.Error{URL: u, Attempts: 1, Cause: ctx.Err()}
		}
		return &fetch.Body{Reader: strings.NewReader(body), ContentLength: -1}, nil
	}}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestManager_OneImportAtATime(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, testSettings(), gatedFetcher(release, "a.example.com\n"))
	m := NewManager(fx.imp, nil)

	job, err := m.Start("https://lists.example/hosts.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Same(t, job, m.Active())

	_, err = m.Start("https://lists.example/other.txt")
	assert.ErrorIs(t, err, ErrImportRunning)

	close(release)
	res, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Nil(t, m.Active())

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	snap := got.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 1, snap.Result.Added)

	next, err := m.Start("https://lists.example/other.txt")
	require.NoError(t, err)
	_, err = next.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Len(t, m.List(), 2)
}

func TestManager_GetUnknown(t *testing.T) {
	fx := newFixture(t, testSettings(), nil)
	m := NewManager(fx.imp, nil)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJob_CancelWhileFetching(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, testSettings(), gatedFetcher(release, "a.example.com\nb.example.com\n"))
	m := NewManager(fx.imp, nil)

	job, err := m.Start("https://lists.example/hosts.txt")
	require.NoError(t, err)

	job.Cancel()
	close(release)

	res, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Zero(t, fx.store.Len(store.Blocked))
}

func TestJob_UpdatesStream(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, testSettings(), gatedFetcher(release, "a.example.com\n"))
	m := NewManager(fx.imp, nil)

	job, err := m.Start("https://lists.example/hosts.txt")
	require.NoError(t, err)

	updates, stop := job.Updates()
	defer stop()
	close(release)

	var final *Result
	timeout := time.After(5 * time.Second)
	for final == nil {
		select {
		case ev, ok := <-updates:
			require.True(t, ok, "stream closed before result")
			if ev.Result != nil {
				final = ev.Result
			}
		case <-timeout:
			t.Fatal("no result on update stream")
		}
	}
	assert.Equal(t, StateCompleted, final.State)

	_, ok := <-updates
	assert.False(t, ok, "stream is closed after the result")

	// late subscribers get the result immediately
	late, _ := job.Updates()
	ev := <-late
	require.NotNil(t, ev.Result)
	assert.Equal(t, 1, ev.Result.Added)
}

func TestJob_ResultSurvivesFullBuffer(t *testing.T) {
	job := newJob("https://lists.example/hosts.txt")
	updates, _ := job.Updates()

	for i := 0; i < 100; i++ {
		job.publish(Progress{State: StateParsing, Percent: i})
	}
	job.finish(Result{State: StateCompleted, Added: 7})

	var last Event
	n := 0
	for ev := range updates {
		last = ev
		n++
	}
	assert.LessOrEqual(t, n, 64)
	require.NotNil(t, last.Result)
	assert.Equal(t, StateCompleted, last.Result.State)
	assert.Equal(t, 7, last.Result.Added)
}

func TestJob_UnsubscribeTwice(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, testSettings(), gatedFetcher(release, "a.example.com\n"))
	m := NewManager(fx.imp, nil)

	job, err := m.Start("https://lists.example/hosts.txt")
	require.NoError(t, err)

	updates, stop := job.Updates()
	stop()
	stop()
	_, ok := <-updates
	assert.False(t, ok)

	close(release)
	_, err = job.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestManager_ShutdownCancelsActive(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, testSettings(), gatedFetcher(release, "a.example.com\n"))
	m := NewManager(fx.imp, nil)

	job, err := m.Start("https://lists.example/hosts.txt")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(waitCtx(t)))
	res, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)

	_, err = m.Start("https://lists.example/hosts.txt")
	assert.Error(t, err)
}
