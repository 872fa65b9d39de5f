package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/convsync"
	"github.com/roach88/convsync/internal/config"
	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
)

// DefaultTimeout bounds every wait of a step.
const DefaultTimeout = 5 * time.Second

// sentinelPrefix marks the typing indications used to detect that the
// engine drained its inbox. They are kept out of the trace.
const sentinelPrefix = "HARNESS-SENTINEL-"

const pollInterval = 5 * time.Millisecond

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	dir     string
	timeout time.Duration
}

// WithDir keeps the client database in dir instead of a temporary
// directory that is removed after the run.
func WithDir(dir string) Option {
	return func(c *runConfig) { c.dir = dir }
}

// WithTimeout bounds each wait of a step.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) { c.timeout = d }
}

// Run executes a scenario against a fresh client and in-memory server.
//
// A returned error means the scenario could not be executed: a step failed
// or timed out. Failed assertions are reported in the Result instead.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	rc := runConfig{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&rc)
	}

	dir := rc.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "convsync-harness-*")
		if err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(dir, s.Name+".db")
	cfg.AttachmentDir = filepath.Join(dir, "attachments")
	cfg.AutoReconnect = false

	server := seed(s)
	client, err := convsync.Open(cfg, s.User, server,
		convsync.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		convsync.WithClock(testutil.NewDeterministicClock()),
		convsync.WithTIDGenerator(testutil.NewSequenceGenerator("tid")),
	)
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	defer client.Close()

	r := &runner{
		client:  client,
		server:  server,
		sub:     client.Subscribe(),
		result:  NewResult(),
		timeout: rc.timeout,
	}
	defer r.sub.Close()

	for i, st := range s.Steps {
		if err := r.step(ctx, st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	if err := r.settle(ctx); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}

	for _, msg := range r.evaluate(ctx, s.Assertions) {
		r.result.AddError(msg)
	}

	snap, err := Snapshot(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	r.result.Snapshot = snap
	return r.result, nil
}

// seed builds the server side of a scenario.
func seed(s *Scenario) *testutil.FakeRemote {
	server := testutil.NewFakeRemote(testutil.NewDeterministicClock())

	names := make(map[string]string, len(s.Users))
	for _, u := range s.Users {
		server.AddUser(remote.UserRecord{UUID: u.UUID, Name: u.Name})
		names[u.UUID] = u.Name
	}

	for _, c := range s.Conversations {
		d := remote.ConversationDetail{
			UUID:    c.UUID,
			Name:    c.Name,
			Created: testutil.ClockBase,
		}
		for _, m := range c.Members {
			name := m.Name
			if name == "" {
				name = names[m.User]
			}
			d.Members = append(d.Members, remote.MemberRecord{
				UUID:      m.UUID,
				UserUUID:  m.User,
				Name:      name,
				State:     m.State,
				InvitedBy: m.InvitedBy,
			})
		}
		server.AddConversation(d)
		for _, ev := range c.Events {
			server.Append(protocol.Envelope{
				CID:  c.UUID,
				From: ev.From,
				Type: protocol.EventType(ev.Type),
				Body: ev.Body,
			})
		}
	}
	return server
}

// runner drives one client through a scenario and records what it
// publishes.
type runner struct {
	client  *convsync.Client
	server  *testutil.FakeRemote
	sub     *notify.Subscription
	result  *Result
	timeout time.Duration

	started   bool
	batches   int
	sentinels int
	seen      []notify.Notification
}

func (r *runner) step(ctx context.Context, st Step) error {
	switch st.Op {
	case OpStart:
		if r.started {
			return errors.New("client already started")
		}
		if err := r.client.Start(ctx); err != nil {
			return err
		}
		r.started = true
		return r.awaitSync(ctx)

	case OpServer:
		env := r.server.Append(protocol.Envelope{
			CID:  st.Conversation,
			From: st.From,
			Type: protocol.EventType(st.Type),
			Body: st.Body,
		})
		if !st.Push {
			return nil
		}
		if err := r.client.Receive(env); err != nil {
			return err
		}
		return r.settle(ctx)

	case OpPush:
		return r.push(ctx, st.Conversation)

	case OpSendText:
		return r.sendText(ctx, st.Conversation, st.Text)

	case OpMarkSeen:
		if err := r.client.MarkSeen(ctx, st.Event); err != nil {
			return err
		}
		if err := r.poll(ctx, "seen indication for "+st.Event, func() (bool, error) {
			return r.tasksSettled(ctx, model.TaskIndicateSeen, st.Event)
		}); err != nil {
			return err
		}
		conv, _, _ := model.SplitEventUUID(st.Event)
		return r.push(ctx, conv)

	case OpDelete:
		conv, ok := conversationOf(st.Event)
		if !ok {
			return fmt.Errorf("malformed event uuid %q", st.Event)
		}
		if err := r.client.Delete(ctx, st.Event); err != nil {
			return err
		}
		if err := r.poll(ctx, "delete of "+st.Event, func() (bool, error) {
			return r.tasksSettled(ctx, model.TaskDelete, "")
		}); err != nil {
			return err
		}
		return r.push(ctx, conv)

	case OpReconnect:
		if err := r.client.Reconnect(); err != nil {
			return err
		}
		return r.awaitSync(ctx)

	case OpRemoveConversation:
		r.server.RemoveConversation(st.Conversation)
		return nil

	case OpFailNext:
		kind := errorKinds[st.Error]
		r.server.FailNext(st.Operation, remote.NewError(kind, st.Operation, errors.New("injected failure")))
		return nil

	case OpAwaitTasks:
		if err := r.poll(ctx, fmt.Sprintf("%d task(s)", st.Count), func() (bool, error) {
			tasks, err := r.client.Tasks(ctx)
			return len(tasks) == st.Count, err
		}); err != nil {
			return err
		}
		return r.settle(ctx)
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// sendText sends a text, waits for the server to accept it and delivers
// the echo. A send that exhausts its retries is left in the queue.
func (r *runner) sendText(ctx context.Context, conv, text string) error {
	draft, err := r.client.SendText(ctx, conv, text)
	if err != nil {
		return err
	}

	accepted := func() bool {
		return slices.ContainsFunc(r.server.Events(conv), func(env protocol.Envelope) bool {
			return env.BodyTID() == draft.TID
		})
	}
	if err := r.poll(ctx, "server to accept "+draft.UUID, func() (bool, error) {
		if accepted() {
			return true, nil
		}
		return r.tasksSettled(ctx, model.TaskSend, draft.UUID)
	}); err != nil {
		return err
	}
	if !accepted() {
		return r.settle(ctx)
	}

	if err := r.push(ctx, conv); err != nil {
		return err
	}
	if r.client.State() == engine.StateFailed {
		return nil
	}
	return r.waitNotified(ctx, "event-sent for "+draft.UUID, func(n notify.Notification) bool {
		s, ok := n.(notify.EventSent)
		return ok && s.Draft == draft.UUID
	})
}

// push delivers every server event of conv with an index above the last
// one the client applied.
func (r *runner) push(ctx context.Context, conv string) error {
	var applied int64
	c, err := r.client.Conversation(ctx, conv)
	switch {
	case err == nil:
		applied = c.MostRecentEventIndex
	case !store.IsNotFound(err):
		return err
	}

	for _, env := range r.server.Events(conv) {
		if env.Index() <= applied {
			continue
		}
		if err := r.client.Receive(env); err != nil {
			return err
		}
	}
	return r.settle(ctx)
}

// settle waits until the engine handled everything queued before it. A
// typing indication from a sentinel member goes through the inbox; once
// its notification arrives, every earlier envelope has been applied.
func (r *runner) settle(ctx context.Context) error {
	if !r.started || r.client.State() == engine.StateFailed {
		return nil
	}
	r.sentinels++
	member := fmt.Sprintf("%s%d", sentinelPrefix, r.sentinels)
	if err := r.client.Receive(protocol.Envelope{
		CID:  "harness",
		From: member,
		Type: protocol.TypeTextTypingOn,
	}); err != nil {
		return err
	}
	return r.await(ctx, "engine to settle", func(n notify.Notification) bool {
		switch n := n.(type) {
		case notify.Typing:
			return n.Member == member
		case notify.StateChanged:
			return n.State == engine.StateFailed.String()
		}
		return false
	})
}

// awaitSync waits for a full sync to end, successfully or not.
func (r *runner) awaitSync(ctx context.Context) error {
	return r.await(ctx, "full sync", func(n notify.Notification) bool {
		s, ok := n.(notify.StateChanged)
		return ok && (s.State == engine.StateInactive.String() || s.State == engine.StateFailed.String())
	})
}

// await records batches until one carries a notification accepted by match.
func (r *runner) await(ctx context.Context, what string, match func(notify.Notification) bool) error {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	for {
		select {
		case b, ok := <-r.sub.C():
			if !ok {
				return fmt.Errorf("subscription closed waiting for %s", what)
			}
			r.record(b)
			if slices.ContainsFunc(b.Items, match) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %s", what)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitNotified is await that also accepts notifications already recorded.
func (r *runner) waitNotified(ctx context.Context, what string, match func(notify.Notification) bool) error {
	if slices.ContainsFunc(r.seen, match) {
		return nil
	}
	return r.await(ctx, what, match)
}

func (r *runner) record(b notify.Batch) {
	r.batches++
	for _, n := range b.Items {
		if t, ok := n.(notify.Typing); ok && strings.HasPrefix(t.Member, sentinelPrefix) {
			continue
		}
		r.seen = append(r.seen, n)
		r.result.Trace = append(r.result.Trace, TraceEvent{
			Seq:    len(r.result.Trace) + 1,
			Batch:  r.batches,
			Kind:   n.Kind(),
			Detail: fmt.Sprintf("%+v", n),
		})
	}
}

// poll calls cond until it reports true.
func (r *runner) poll(ctx context.Context, what string, cond func() (bool, error)) error {
	deadline := time.Now().Add(r.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tasksSettled reports whether no live task of typ is left for related.
// An empty related matches every task of typ. Exhausted tasks count as
// settled.
func (r *runner) tasksSettled(ctx context.Context, typ model.TaskType, related string) (bool, error) {
	tasks, err := r.client.Tasks(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Type == typ && (related == "" || t.Related == related) && !t.Exhausted {
			return false, nil
		}
	}
	return true, nil
}

func conversationOf(eventUUID string) (string, bool) {
	if conv, _, ok := model.SplitDraftUUID(eventUUID); ok {
		return conv, true
	}
	conv, _, ok := model.SplitEventUUID(eventUUID)
	return conv, ok
}
