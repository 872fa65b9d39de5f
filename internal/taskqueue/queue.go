package taskqueue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/convsync/internal/metrics"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
)

// Defaults for Queue options.
const (
	DefaultMaxParallel = 5
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second

	// dispatchBatch bounds how many pending tasks one dispatch pass reads.
	dispatchBatch = 256
)

// Sender is the part of the remote client the queue talks to.
type Sender interface {
	SendEvent(ctx context.Context, payload protocol.SendPayload) (remote.EventAck, error)
	DeleteEvent(ctx context.Context, eventID, memberUUID, conversationUUID string) (protocol.Envelope, error)
}

// Queue is the durable outgoing task queue.
//
// Thread-safety: enqueue operations, Pause/Resume and Observe may be called
// from any goroutine. Run must be called once.
type Queue struct {
	repo    *store.Repo
	sender  Sender
	hub     *notify.Hub
	tids    TIDGenerator
	clock   model.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	maxParallel int
	maxRetries  int
	retryDelay  time.Duration

	sem       *semaphore.Weighted
	signal    chan struct{} // buffered, size 1
	paused    atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	watchers  map[string]model.Task // confirmed event uuid -> acked send task
	notBefore map[int64]time.Time   // retry backoff per task id
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxParallel caps concurrently processed send and delete tasks.
func WithMaxParallel(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxParallel = n
		}
	}
}

// WithMaxRetries sets how many times a failed task is retried before it is
// marked exhausted.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithRetryDelay sets the base backoff between attempts. The n-th retry
// waits n times the base.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryDelay = d }
}

// WithTIDGenerator replaces the UUIDv7 tid generator.
func WithTIDGenerator(g TIDGenerator) Option {
	return func(q *Queue) { q.tids = g }
}

// WithClock sets the clock used for draft and task timestamps.
func WithClock(c model.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMetrics records queue activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a paused queue. Call Run to start dispatching and Resume to
// let tasks through.
func New(repo *store.Repo, sender Sender, hub *notify.Hub, opts ...Option) *Queue {
	q := &Queue{
		repo:        repo,
		sender:      sender,
		hub:         hub,
		tids:        UUIDv7Generator{},
		clock:       model.SystemClock{},
		logger:      slog.Default(),
		maxParallel: DefaultMaxParallel,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		watchers:    make(map[string]model.Task),
		notBefore:   make(map[int64]time.Time),
	}
	q.paused.Store(true)
	for _, opt := range opts {
		opt(q)
	}
	q.sem = semaphore.NewWeighted(int64(q.maxParallel))
	return q
}

// Run recovers state left by a previous process and dispatches tasks until
// ctx is cancelled or Close is called. In-flight workers are drained before
// Run returns.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.recover(ctx); err != nil {
		return err
	}

	var workers errgroup.Group
	defer workers.Wait()

	for {
		if !q.paused.Load() {
			q.dispatch(ctx, &workers)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case <-q.signal:
		}
	}
}

// recover clears in-flight flags of tasks interrupted by a crash and
// re-registers the watchers of sends that were acknowledged but whose echo
// was never applied.
func (q *Queue) recover(ctx context.Context) error {
	n, err := q.repo.Store().ClearTaskProcessing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Info("recovered interrupted tasks", "count", n)
	}

	acked, err := q.repo.Store().AckedTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range acked {
		q.watch(ctx, t)
	}
	return nil
}

func (q *Queue) dispatch(ctx context.Context, workers *errgroup.Group) {
	tasks, err := q.repo.Store().PendingTasks(ctx, dispatchBatch)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("load pending tasks", "error", err)
		}
		return
	}

	now := time.Now()
	for _, t := range tasks {
		if q.paused.Load() {
			return
		}
		if q.deferred(t.ID, now) {
			continue
		}

		// Receipt indications never wait for a slot.
		capped := !t.Type.IsReceipt()
		if capped && !q.sem.TryAcquire(1) {
			continue
		}

		t.BeingProcessed = true
		if err := q.repo.Store().UpdateTask(ctx, t); err != nil {
			if capped {
				q.sem.Release(1)
			}
			q.logger.Error("mark task in flight", "task", t.ID, "error", err)
			continue
		}

		workers.Go(func() error {
			defer q.wake()
			if capped {
				defer q.sem.Release(1)
			}
			q.process(ctx, t)
			return nil
		})
	}
}

func (q *Queue) deferred(id int64, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.notBefore[id]
	if !ok {
		return false
	}
	if now.Before(at) {
		return true
	}
	delete(q.notBefore, id)
	return false
}

// wake nudges the dispatch loop. Never blocks.
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pause stops dispatching new tasks. Enqueued tasks are still persisted and
// tasks already in flight finish.
func (q *Queue) Pause() {
	q.paused.Store(true)
}

// Resume lets dispatching continue.
func (q *Queue) Resume() {
	q.paused.Store(false)
	q.wake()
}

// Paused reports whether dispatching is paused.
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// Close stops Run and rejects further enqueues. Persisted tasks stay in the
// store for the next session.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}

// Tasks lists every persisted task in creation order.
func (q *Queue) Tasks(ctx context.Context) ([]model.Task, error) {
	return q.repo.Store().ListTasks(ctx)
}

// RequeueExhausted gives exhausted tasks a fresh retry budget and returns
// how many were reset.
func (q *Queue) RequeueExhausted(ctx context.Context) (int64, error) {
	n, err := q.repo.Store().ResetExhausted(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("requeued exhausted tasks", "count", n)
		q.wake()
	}
	return n, nil
}
