// Package convsync is the client side of a real-time conversation service.
//
// A Client keeps a local SQLite mirror of the user's conversations,
// reconciles events pushed by the server into a strictly ordered timeline,
// and delivers locally created messages, deletes and receipts through a
// durable task queue. Changes are published as notification batches.
//
// Usage:
//
//	c, err := convsync.Open(cfg, userUUID, transport)
//	if err != nil { ... }
//	defer c.Close()
//	sub := c.Subscribe()
//	c.Start(ctx)
//	c.Receive(env) // for every envelope the push channel delivers
package convsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/convsync/internal/config"
	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/metrics"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/taskqueue"
)

var (
	// ErrPushDisabled is returned by HandlePushPayload when push
	// notifications are switched off.
	ErrPushDisabled = errors.New("convsync: push notifications disabled")

	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = errors.New("convsync: not started")

	// ErrNoDownloader is returned by Download when the remote client cannot
	// fetch attachments.
	ErrNoDownloader = errors.New("convsync: remote client has no downloader")

	// ErrNotMember is returned when the user has no member record in the
	// addressed conversation.
	ErrNotMember = errors.New("convsync: not a member of the conversation")
)

// Client is one user's session.
//
// Thread-safety: every method may be called from any goroutine.
type Client struct {
	cfg    config.Config
	user   string
	remote remote.Client
	logger *slog.Logger

	store     *store.Store
	repo      *store.Repo
	hub       *notify.Hub
	metrics   *metrics.Metrics
	queue     *taskqueue.Queue
	engine    *engine.Engine
	downloads *taskqueue.Downloads

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    bool
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	clock      model.Clock
	tids       taskqueue.TIDGenerator
}

// WithLogger sets the logger. Defaults to a text logger at the configured
// log level on stderr.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the client's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock replaces the wall clock used for draft timestamps.
func WithClock(c model.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTIDGenerator replaces the UUIDv7 tid generator.
func WithTIDGenerator(g taskqueue.TIDGenerator) Option {
	return func(o *options) { o.tids = g }
}

// Open opens the local store and wires the session. Nothing talks to the
// server until Start.
func Open(cfg config.Config, user string, client remote.Client, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if user == "" {
		return nil, errors.New("convsync: empty user")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = config.NewLogger(cfg.LogLevel, os.Stderr)
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	repo := store.NewRepo(s, store.WithCacheCapacity(cfg.CacheCapacity))

	if cfg.ClearAllData {
		if err := repo.Purge(context.Background()); err != nil {
			s.Close()
			return nil, fmt.Errorf("clear local data: %w", err)
		}
		logger.Info("cleared local data")
	}

	c := &Client{
		cfg:     cfg,
		user:    user,
		remote:  client,
		logger:  logger,
		store:   s,
		repo:    repo,
		hub:     notify.NewHub(),
		metrics: metrics.New(o.registerer),
	}

	qopts := []taskqueue.Option{
		taskqueue.WithMaxParallel(cfg.MaxParallelTasks),
		taskqueue.WithMaxRetries(cfg.MaxRetries),
		taskqueue.WithMetrics(c.metrics),
		taskqueue.WithLogger(logger.With("component", "taskqueue")),
	}
	if o.clock != nil {
		qopts = append(qopts, taskqueue.WithClock(o.clock))
	}
	if o.tids != nil {
		qopts = append(qopts, taskqueue.WithTIDGenerator(o.tids))
	}
	c.queue = taskqueue.New(repo, client, c.hub, qopts...)

	eopts := []engine.Option{
		engine.WithMetrics(c.metrics),
		engine.WithLogger(logger.With("component", "engine")),
	}
	if cfg.AutoReconnect {
		eopts = append(eopts, engine.WithAutoReconnect(cfg.ReconnectDelay, cfg.ReconnectMaxDelay))
	}
	c.engine = engine.New(repo, client, c.queue, c.hub, user, eopts...)

	if d, ok := client.(remote.Downloader); ok {
		c.downloads = taskqueue.NewDownloads(d, cfg.AttachmentDir,
			taskqueue.WithMaxParallelDownloads(cfg.MaxParallelDownloads),
			taskqueue.WithDownloadMetrics(c.metrics),
			taskqueue.WithDownloadLogger(logger.With("component", "downloads")),
		)
	}
	return c, nil
}

// Start runs the task queue and the engine in the background. The engine
// begins with a full sync.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	if c.group != nil {
		return errors.New("convsync: already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(c.queue.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(c.engine.Run(ctx)) })
	c.group = g
	c.logger.Info("client started", "user", c.user)
	return nil
}

// Wait blocks until the background loops stop and returns the first error.
func (c *Client) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the loops, waits for in-flight work and closes the store.
// Persisted tasks are resumed by the next session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel, g := c.cancel, c.group
		c.mu.Unlock()

		c.engine.Stop()
		c.queue.Close()
		if cancel != nil {
			cancel()
		}
		if g != nil {
			err = g.Wait()
		}
		if c.downloads != nil {
			c.downloads.Wait()
		}
		c.hub.Close()
		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.logger.Info("client closed", "user", c.user)
	})
	return err
}

// User returns the session's user uuid.
func (c *Client) User() string { return c.user }

// State returns the engine's lifecycle state.
func (c *Client) State() engine.State { return c.engine.State() }

// Subscribe opens a notification stream. Close the subscription when done.
func (c *Client) Subscribe() *notify.Subscription { return c.hub.Subscribe() }

// Receive hands an envelope from the push channel to the engine.
func (c *Client) Receive(env protocol.Envelope) error {
	return c.engine.Submit(env)
}

// ReceiveRaw decodes and validates a raw JSON envelope, then hands it to
// the engine.
func (c *Client) ReceiveRaw(raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	return c.Receive(env)
}

// HandlePushPayload accepts an envelope delivered through an OS push
// notification.
func (c *Client) HandlePushPayload(raw []byte) error {
	if !c.cfg.PushNotifications {
		return ErrPushDisabled
	}
	return c.ReceiveRaw(raw)
}

// Reconnect asks the engine for a full sync, leaving the failed state.
func (c *Client) Reconnect() error { return c.engine.Reconnect() }

// SyncUser refreshes a user record from the server. done, if not nil, is
// called with the outcome.
func (c *Client) SyncUser(uuid string, done engine.UserSyncFunc) error {
	return c.engine.RequestUserSync(uuid, done)
}

// member returns the member uuid the user acts as in conversation.
func (c *Client) member(ctx context.Context, conversation string) (string, error) {
	m, err := c.repo.OurMember(ctx, conversation, c.user)
	if store.IsNotFound(err) {
		return "", fmt.Errorf("%s: %w", conversation, ErrNotMember)
	}
	if err != nil {
		return "", err
	}
	return m.UUID, nil
}

// SendText stores a text draft and schedules its delivery. The draft is
// returned once it is persisted.
func (c *Client) SendText(ctx context.Context, conversation, text string) (model.Event, error) {
	from, err := c.member(ctx, conversation)
	if err != nil {
		return model.Event{}, err
	}
	return c.queue.SendDraft(ctx, c.queue.NewTextDraft(conversation, from, text))
}

// SendImage stores an image draft pointing at already uploaded renditions
// and schedules its delivery.
func (c *Client) SendImage(ctx context.Context, conversation string, reps protocol.Representations) (model.Event, error) {
	from, err := c.member(ctx, conversation)
	if err != nil {
		return model.Event{}, err
	}
	return c.queue.SendDraft(ctx, c.queue.NewImageDraft(conversation, from, reps))
}

// Delete removes an event or draft for everyone.
func (c *Client) Delete(ctx context.Context, eventUUID string) error {
	conv, ok := conversationOf(eventUUID)
	if !ok {
		return fmt.Errorf("delete %q: %w", eventUUID, taskqueue.ErrNotConfirmed)
	}
	from, err := c.member(ctx, conv)
	if err != nil {
		return err
	}
	return c.queue.Delete(ctx, eventUUID, from)
}

// MarkSeen schedules a seen receipt. Marking an event twice is not an
// error.
func (c *Client) MarkSeen(ctx context.Context, eventUUID string) error {
	conv, _, ok := model.SplitEventUUID(eventUUID)
	if !ok {
		return fmt.Errorf("mark seen %q: %w", eventUUID, taskqueue.ErrNotConfirmed)
	}
	from, err := c.member(ctx, conv)
	if err != nil {
		return err
	}
	if err := c.queue.MarkSeen(ctx, eventUUID, from); err != nil && !errors.Is(err, taskqueue.ErrDuplicateTask) {
		return err
	}
	return nil
}

// SetTyping tells the other members that the user started or stopped
// typing. Typing is not queued; a failure is returned to the caller.
func (c *Client) SetTyping(ctx context.Context, conversation string, on bool) error {
	from, err := c.member(ctx, conversation)
	if err != nil {
		return err
	}
	_, err = c.remote.SendEvent(ctx, protocol.TypingPayload(conversation, from, on))
	return err
}

// Invite asks the server to invite userName. The membership change arrives
// as an event.
func (c *Client) Invite(ctx context.Context, conversation, userName string, withAudio bool) error {
	return c.remote.Invite(ctx, conversation, userName, withAudio)
}

// Join joins the user to a conversation.
func (c *Client) Join(ctx context.Context, conversation string) error {
	return c.remote.Join(ctx, conversation, c.user)
}

// Kick removes a member from a conversation.
func (c *Client) Kick(ctx context.Context, conversation, member string) error {
	return c.remote.Kick(ctx, conversation, member)
}

// Leave removes the user's current member record from a conversation.
func (c *Client) Leave(ctx context.Context, conversation string) error {
	from, err := c.member(ctx, conversation)
	if err != nil {
		return err
	}
	return c.remote.Kick(ctx, conversation, from)
}

// Conversations lists local conversations, most recently updated first.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return c.repo.Conversations(ctx)
}

// Conversation returns one local conversation.
func (c *Client) Conversation(ctx context.Context, uuid string) (model.Conversation, error) {
	return c.repo.Conversation(ctx, uuid)
}

// Members lists the member records of a conversation, oldest first.
func (c *Client) Members(ctx context.Context, conversation string) ([]model.Member, error) {
	return c.repo.Members(ctx, conversation)
}

// Events returns the paged timeline of a conversation.
func (c *Client) Events(conversation string) *store.EventView {
	return c.repo.EventView(conversation)
}

// Receipts lists the receipts of an event.
func (c *Client) Receipts(ctx context.Context, eventUUID string) ([]model.Receipt, error) {
	return c.repo.Receipts(ctx, eventUUID)
}

// LookupUser returns a cached user record.
func (c *Client) LookupUser(ctx context.Context, uuid string) (model.User, error) {
	return c.repo.User(ctx, uuid)
}

// Tasks lists the persisted outgoing tasks.
func (c *Client) Tasks(ctx context.Context) ([]model.Task, error) {
	return c.queue.Tasks(ctx)
}

// Download fetches an attachment, using the on-disk cache.
func (c *Client) Download(ctx context.Context, key, url string) ([]byte, error) {
	if c.downloads == nil {
		return nil, ErrNoDownloader
	}
	return c.downloads.Fetch(ctx, key, url)
}

// Prefetch starts fetching an attachment in the background.
func (c *Client) Prefetch(key, url string) {
	if c.downloads != nil {
		c.downloads.Prefetch(key, url)
	}
}

func conversationOf(eventUUID string) (string, bool) {
	if conv, _, ok := model.SplitDraftUUID(eventUUID); ok {
		return conv, true
	}
	conv, _, ok := model.SplitEventUUID(eventUUID)
	return conv, ok
}
