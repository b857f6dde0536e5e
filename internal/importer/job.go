package importer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrImportRunning = errors.New("an import is already running")
	ErrJobNotFound   = errors.New("import job not found")
)

// finished jobs kept for status queries
const keepFinished = 32

// Event is one message of a job's update stream: either a progress step or
// the terminal result.
type Event struct {
	Progress *Progress `json:"progress,omitempty"`
	Result   *Result   `json:"result,omitempty"`
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	State    State     `json:"state"`
	Started  time.Time `json:"started"`
	Progress Progress  `json:"progress"`
	Result   *Result   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Job is an import running in the background.
type Job struct {
	ID      string
	URL     string
	Started time.Time

	tok  *Token
	done chan struct{}

	mu     sync.Mutex
	state  State
	last   Progress
	result *Result
	subs   map[chan Event]struct{}
}

func newJob(rawURL string) *Job {
	return &Job{
		ID:      uuid.NewString(),
		URL:     rawURL,
		Started: time.Now(),
		tok:     NewToken(),
		done:    make(chan struct{}),
		state:   StateIdle,
		subs:    make(map[chan Event]struct{}),
	}
}

func (j *Job) Cancel() { j.tok.Cancel() }

// Done is closed once the job reached a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-j.done:
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return *j.result, nil
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:       j.ID,
		URL:      j.URL,
		State:    j.state,
		Started:  j.Started,
		Progress: j.last,
	}
	if j.result != nil {
		r := *j.result
		s.Result = &r
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
	}
	return s
}

// Updates subscribes to the job's events. The last event before the close
// always carries the result; slow readers may miss progress steps.
// Call the returned func to unsubscribe early.
func (j *Job) Updates() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	j.mu.Lock()
	if j.result != nil {
		r := *j.result
		ch <- Event{Result: &r}
		close(ch)
		j.mu.Unlock()
		return ch, func() {}
	}
	if j.last.State != "" {
		p := j.last
		ch <- Event{Progress: &p}
	}
	j.subs[ch] = struct{}{}
	j.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if _, ok := j.subs[ch]; ok {
				delete(j.subs, ch)
				close(ch)
			}
		})
	}
}

func (j *Job) publish(p Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.state = p.State
	j.last = p
	for ch := range j.subs {
		ev := Event{Progress: &p}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (j *Job) finish(res Result) {
	j.mu.Lock()
	j.state = res.State
	j.result = &res
	for ch := range j.subs {
		r := res
		deliver(ch, Event{Result: &r})
		close(ch)
		delete(j.subs, ch)
	}
	j.mu.Unlock()
	close(j.done)
}

// deliver sends ev, dropping queued progress until it fits. Only the job
// sends on ch and it holds j.mu, so a freed slot stays free.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Manager runs imports one at a time against a single store.
type Manager struct {
	imp    *Importer
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	active *Job
}

func NewManager(imp *Importer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		imp:    imp,
		logger: logger.Named("imports"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

// Start launches an import of rawURL. Only one import runs at a time.
func (m *Manager) Start(rawURL string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, m.ctx.Err()
	}
	if m.active != nil {
		return nil, ErrImportRunning
	}

	job := newJob(rawURL)
	m.active = job
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.trimLocked()

	m.wg.Add(1)
	go m.run(job)

	m.logger.Info("import started", zap.String("job", job.ID), zap.String("url", rawURL))
	return job, nil
}

func (m *Manager) run(job *Job) {
	defer m.wg.Done()

	res := m.imp.Run(m.ctx, job.URL, job.tok, job.publish)

	m.mu.Lock()
	if m.active == job {
		m.active = nil
	}
	m.mu.Unlock()

	job.finish(res)
}

// trimLocked forgets the oldest finished jobs beyond keepFinished.
func (m *Manager) trimLocked() {
	for len(m.order) > keepFinished+1 {
		id := m.order[0]
		if j := m.jobs[id]; j == m.active {
			return
		}
		delete(m.jobs, id)
		m.order = m.order[1:]
	}
}

func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Active returns the running job, or nil.
func (m *Manager) Active() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// List returns snapshots of the known jobs, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Started.After(out[b].Started) })
	return out
}

// Shutdown cancels the running import and waits for it to flush.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
