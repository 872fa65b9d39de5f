package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/convsync/internal/metrics"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
)

// Defaults for WithAutoReconnect.
const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMaxDelay = time.Minute
)

// TaskQueue is the part of the outgoing task queue the engine drives.
// Implemented by *taskqueue.Queue.
type TaskQueue interface {
	Pause()
	Resume()
	Observe(ctx context.Context, ev model.Event) (notify.EventSent, bool)
	RemoveDeleted(ctx context.Context, del protocol.Envelope) (string, error)
	MarkDelivered(ctx context.Context, eventUUID, from string) error
	RequeueExhausted(ctx context.Context) (int64, error)
}

// Engine is the single-writer synchronization loop.
//
// Thread-safety model:
//   - Submit, RequestUserSync, Reconnect, State, Stop: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	repo    *store.Repo
	remote  remote.Client
	queue   TaskQueue
	hub     *notify.Hub
	user    string
	metrics *metrics.Metrics
	logger  *slog.Logger

	autoReconnect     bool
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration

	inbox *inbox
	state atomic.Int32

	// Owned by the Run goroutine.
	failed   map[string]struct{} // conversations the server no longer knows
	attempts int                 // consecutive failed syncs, for backoff
	timer    *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records sync metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAutoReconnect makes the engine leave StateFailed on its own after a
// failed remote request. The first attempt waits delay; each consecutive
// failure doubles the wait up to maxDelay. Invalid sessions and malformed
// payloads still wait for an explicit Reconnect.
func WithAutoReconnect(delay, maxDelay time.Duration) Option {
	return func(e *Engine) {
		e.autoReconnect = true
		if delay > 0 {
			e.reconnectDelay = delay
		}
		if maxDelay > 0 {
			e.reconnectMaxDelay = maxDelay
		}
		if e.reconnectMaxDelay < e.reconnectDelay {
			e.reconnectMaxDelay = e.reconnectDelay
		}
	}
}

// New creates an engine synchronizing the conversations of user.
func New(repo *store.Repo, client remote.Client, queue TaskQueue, hub *notify.Hub, user string, opts ...Option) *Engine {
	e := &Engine{
		repo:              repo,
		remote:            client,
		queue:             queue,
		hub:               hub,
		user:              user,
		logger:            slog.Default(),
		reconnectDelay:    DefaultReconnectDelay,
		reconnectMaxDelay: DefaultReconnectMaxDelay,
		inbox:             newInbox(),
		failed:            make(map[string]struct{}),
	}
	e.state.Store(int32(StateInactive))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// User returns the uuid of the user this engine synchronizes.
func (e *Engine) User() string { return e.user }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Submit hands an inbound envelope to the loop.
func (e *Engine) Submit(env protocol.Envelope) error {
	if !e.inbox.Push(env) {
		return ErrClosed
	}
	return nil
}

// RequestUserSync asks the loop to refresh a user record from the server.
// done, if not nil, is called from the loop goroutine with the outcome.
func (e *Engine) RequestUserSync(uuid string, done UserSyncFunc) error {
	if !e.inbox.PushUser(userRequest{uuid: uuid, done: done}) {
		return ErrClosed
	}
	return nil
}

// Reconnect asks the loop to run a full sync. Effective from StateFailed
// and StateInactive.
func (e *Engine) Reconnect() error {
	if !e.inbox.RequestReconnect() {
		return ErrClosed
	}
	return nil
}

// Pending returns the number of inbound envelopes not yet handled.
func (e *Engine) Pending() int {
	return e.inbox.Len()
}

// Stop closes the inbox; Run returns once it notices.
func (e *Engine) Stop() {
	for _, r := range e.inbox.Close() {
		if r.done != nil {
			r.done(model.User{}, ErrClosed)
		}
	}
}

// Run performs a full sync, then applies inbound work until ctx is
// cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine. Every store write
// of server-owned state happens here.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "user", e.user)
	defer e.shutdown()

	e.sync(ctx)

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info("engine stopping: context cancelled")
			return err
		}

		if e.inbox.TakeReconnect() {
			e.reconnect(ctx)
			continue
		}

		if e.State() == StateFailed {
			if n := e.inbox.Discard(); n > 0 {
				e.logger.Debug("dropped inbound events while failed", "count", n)
			}
		} else {
			if reqs := e.inbox.TakeUsers(); len(reqs) > 0 {
				for _, r := range reqs {
					e.serveUser(ctx, r)
				}
				continue
			}
			if env, ok := e.inbox.TryPop(); ok {
				e.handle(ctx, env)
				continue
			}
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()
		case _, ok := <-e.inbox.Wait():
			if !ok {
				e.logger.Info("engine stopping: inbox closed")
				return nil
			}
		}
	}
}

func (e *Engine) shutdown() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.Stop()
}

// sync runs a full sync and settles the resulting state.
func (e *Engine) sync(ctx context.Context) {
	start := time.Now()
	err := e.fullSync(ctx)

	var code string
	if err != nil && ctx.Err() == nil {
		code = string(classify(err).Code)
	}
	e.metrics.ObserveSync(time.Since(start), code)

	if err != nil {
		e.fail(ctx, err)
		return
	}
	e.attempts = 0
	e.setState(StateInactive, "")
	e.logger.Info("sync complete", "duration", time.Since(start))
}

func (e *Engine) reconnect(ctx context.Context) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.logger.Info("reconnecting", "from", e.State())

	// Exhausted tasks get a fresh retry budget with every new session.
	n, err := e.queue.RequeueExhausted(ctx)
	switch {
	case err != nil:
		e.logger.Warn("requeue exhausted tasks", "error", err)
	case n > 0:
		e.logger.Info("requeued exhausted tasks", "count", n)
	}

	e.sync(ctx)
}

// handle applies one inbound envelope. A failure stops the engine.
func (e *Engine) handle(ctx context.Context, env protocol.Envelope) {
	e.metrics.InboundEvent(env.Type.Kind().String())
	if err := e.receive(ctx, env); err != nil {
		e.fail(ctx, err)
	}
}

func (e *Engine) serveUser(ctx context.Context, r userRequest) {
	u, err := e.syncUser(ctx, r.uuid)
	if err != nil {
		e.logger.Warn("user sync failed", "user", r.uuid, "error", err)
	} else {
		e.hub.Publish(notify.UserSynced{User: u.UUID})
	}
	if r.done != nil {
		r.done(u, err)
	}
}

// fail moves the engine to StateFailed. Errors caused by shutdown are not
// failures.
func (e *Engine) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	se := classify(err)
	e.logger.Error("sync failed",
		"code", se.Code,
		"op", se.Op,
		"conversation", se.Conversation,
		"error", se.Err,
	)
	e.setState(StateFailed, se.Error())

	switch se.Code {
	case ErrCodeSessionInvalid:
		e.hub.Publish(notify.SessionInvalid{})
	case ErrCodeRequestFailed:
		if e.autoReconnect {
			e.scheduleReconnect()
		}
	}
}

func (e *Engine) scheduleReconnect() {
	delay := e.reconnectDelay
	for i := 0; i < e.attempts && delay < e.reconnectMaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, e.reconnectMaxDelay)
	e.attempts++

	e.logger.Info("scheduling reconnect", "delay", delay, "attempt", e.attempts)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, func() { e.inbox.RequestReconnect() })
}

func (e *Engine) setState(s State, reason string) {
	prev := State(e.state.Swap(int32(s)))
	if prev == s {
		return
	}
	e.metrics.StateChanged(s.String())
	e.logger.Debug("state changed", "from", prev, "to", s)
	e.hub.Publish(notify.StateChanged{State: s.String(), Reason: reason})
}
