package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/convsync/internal/model"
)

// Default sizing for the identity caches and event views.
const (
	DefaultCacheCapacity = 256
	DefaultPageSize      = 50
)

// Repo is the read/write path for every entity. Reads are served from the
// identity cache and fall back to the table; writes update the cache entry
// and then the table within the same call. A failed table write evicts the
// entry and is returned to the caller.
//
// Repo is safe for concurrent use; each entry synchronizes its own value.
type Repo struct {
	store    *Store
	pageSize int

	conversations *Cache[model.Conversation]
	members       *Cache[model.Member]
	users         *Cache[model.User]
	events        *Cache[model.Event]
	receipts      *Cache[model.Receipt]

	viewsMu sync.Mutex
	views   map[string]*EventView
}

// RepoOption configures a Repo.
type RepoOption func(*repoConfig)

type repoConfig struct {
	capacity int
	pageSize int
}

// WithCacheCapacity sets the LRU floor of each entity cache.
func WithCacheCapacity(n int) RepoOption {
	return func(c *repoConfig) { c.capacity = n }
}

// WithPageSize sets the page size of event views.
func WithPageSize(n int) RepoOption {
	return func(c *repoConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewRepo wraps s with identity caches.
func NewRepo(s *Store, opts ...RepoOption) *Repo {
	cfg := repoConfig{capacity: DefaultCacheCapacity, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Repo{
		store:         s,
		pageSize:      cfg.pageSize,
		conversations: NewCache[model.Conversation](cfg.capacity),
		members:       NewCache[model.Member](cfg.capacity),
		users:         NewCache[model.User](cfg.capacity),
		events:        NewCache[model.Event](cfg.capacity),
		receipts:      NewCache[model.Receipt](cfg.capacity),
		views:         make(map[string]*EventView),
	}
}

// Store returns the underlying table layer.
func (r *Repo) Store() *Store { return r.store }

// CacheStats reports combined hit/miss counts over all entity caches.
func (r *Repo) CacheStats() (hits, misses uint64) {
	for _, s := range []func() (uint64, uint64){
		r.conversations.Stats, r.members.Stats, r.users.Stats, r.events.Stats, r.receipts.Stats,
	} {
		h, m := s()
		hits += h
		misses += m
	}
	return hits, misses
}

func lookup[T any](ctx context.Context, c *Cache[T], key string, load func(context.Context, string) (T, error)) (*Entry[T], error) {
	if e, ok := c.Lookup(key); ok {
		return e, nil
	}
	v, err := load(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.Insert(key, v), nil
}

func write[T any](ctx context.Context, c *Cache[T], key string, v T, save func(context.Context, T) error) error {
	c.Put(key, v)
	if err := save(ctx, v); err != nil {
		c.Evict(key)
		return err
	}
	return nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// --- conversations ---

// ConversationEntry returns the shared cache entry for a conversation.
func (r *Repo) ConversationEntry(ctx context.Context, uuid string) (*Entry[model.Conversation], error) {
	return lookup(ctx, r.conversations, uuid, r.store.GetConversation)
}

// Conversation returns the current value of a conversation.
func (r *Repo) Conversation(ctx context.Context, uuid string) (model.Conversation, error) {
	e, err := r.ConversationEntry(ctx, uuid)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.Load(), nil
}

// SaveConversation writes a conversation.
func (r *Repo) SaveConversation(ctx context.Context, c model.Conversation) error {
	return write(ctx, r.conversations, c.UUID, c, r.store.UpsertConversation)
}

// DeleteConversation removes a conversation and everything that hangs off it.
func (r *Repo) DeleteConversation(ctx context.Context, uuid string) error {
	r.conversations.Evict(uuid)
	r.members.EvictFunc(func(m model.Member) bool { return m.ConversationUUID == uuid })
	r.events.EvictFunc(func(e model.Event) bool { return e.ConversationUUID == uuid })
	r.receipts.Purge()
	r.viewsMu.Lock()
	delete(r.views, uuid)
	r.viewsMu.Unlock()
	return r.store.DeleteConversation(ctx, uuid)
}

// Conversations lists every conversation, most recently updated first.
func (r *Repo) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return r.store.ListConversations(ctx)
}

// DirtyConversations lists conversations flagged for resync.
func (r *Repo) DirtyConversations(ctx context.Context) ([]model.Conversation, error) {
	return r.store.DirtyConversations(ctx)
}

// --- members ---

// Member returns the current value of a member.
func (r *Repo) Member(ctx context.Context, uuid string) (model.Member, error) {
	e, err := lookup(ctx, r.members, uuid, r.store.GetMember)
	if err != nil {
		return model.Member{}, err
	}
	return e.Load(), nil
}

// SaveMember writes a member.
func (r *Repo) SaveMember(ctx context.Context, m model.Member) error {
	return write(ctx, r.members, m.UUID, m, r.store.UpsertMember)
}

// Members lists a conversation's member rows, oldest first.
func (r *Repo) Members(ctx context.Context, conversationUUID string) ([]model.Member, error) {
	return r.store.ListMembers(ctx, conversationUUID)
}

// OurMember resolves the member row that represents user in a conversation.
// Returns ErrNotFound if the user has no row there.
func (r *Repo) OurMember(ctx context.Context, conversationUUID, user string) (model.Member, error) {
	members, err := r.Members(ctx, conversationUUID)
	if err != nil {
		return model.Member{}, err
	}
	m, ok := model.OurMemberRecord(members, user)
	if !ok {
		return model.Member{}, fmt.Errorf("member of %s in %s: %w", user, conversationUUID, ErrNotFound)
	}
	return m, nil
}

// OurMemberIDs returns the uuids of every row user holds in a conversation.
func (r *Repo) OurMemberIDs(ctx context.Context, conversationUUID, user string) ([]string, error) {
	members, err := r.Members(ctx, conversationUUID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range members {
		if m.UserUUID == user {
			ids = append(ids, m.UUID)
		}
	}
	return ids, nil
}

// --- users ---

// User returns the current value of a user.
func (r *Repo) User(ctx context.Context, uuid string) (model.User, error) {
	e, err := lookup(ctx, r.users, uuid, r.store.GetUser)
	if err != nil {
		return model.User{}, err
	}
	return e.Load(), nil
}

// SaveUser writes a user.
func (r *Repo) SaveUser(ctx context.Context, u model.User) error {
	return write(ctx, r.users, u.UUID, u, r.store.UpsertUser)
}

// --- events ---

// EventEntry returns the shared cache entry for an event.
func (r *Repo) EventEntry(ctx context.Context, uuid string) (*Entry[model.Event], error) {
	return lookup(ctx, r.events, uuid, r.store.GetEvent)
}

// Event returns the current value of an event.
func (r *Repo) Event(ctx context.Context, uuid string) (model.Event, error) {
	e, err := r.EventEntry(ctx, uuid)
	if err != nil {
		return model.Event{}, err
	}
	return e.Load(), nil
}

// SaveEvent writes an event.
func (r *Repo) SaveEvent(ctx context.Context, e model.Event) error {
	return write(ctx, r.events, e.UUID, e, r.store.UpsertEvent)
}

// DeleteEvent removes an event.
func (r *Repo) DeleteEvent(ctx context.Context, uuid string) error {
	r.events.Evict(uuid)
	return r.store.DeleteEvent(ctx, uuid)
}

// Draft finds the pending draft of a conversation with the given tid.
func (r *Repo) Draft(ctx context.Context, conversationUUID, tid string) (model.Event, error) {
	return r.store.FindDraft(ctx, conversationUUID, tid)
}

// InsertDraft stores a draft together with its send task.
func (r *Repo) InsertDraft(ctx context.Context, draft model.Event, task model.Task) (model.Task, error) {
	t, err := r.store.InsertDraft(ctx, draft, task)
	if err != nil {
		return model.Task{}, err
	}
	r.events.Put(draft.UUID, draft)
	return t, nil
}

// ReplaceDraft atomically swaps a draft for its server echo.
func (r *Repo) ReplaceDraft(ctx context.Context, draftUUID string, final model.Event) error {
	if err := r.store.ReplaceDraft(ctx, draftUUID, final); err != nil {
		r.events.Evict(final.UUID)
		return err
	}
	r.events.Evict(draftUUID)
	r.events.Put(final.UUID, final)
	return nil
}

// ApplyDelete marks target deleted and records the delete event.
func (r *Repo) ApplyDelete(ctx context.Context, targetUUID string, deletedAt time.Time, del model.Event) error {
	if err := r.store.ApplyDelete(ctx, targetUUID, deletedAt, del); err != nil {
		return err
	}
	r.events.Evict(targetUUID)
	r.events.Put(del.UUID, del)
	return nil
}

// --- receipts ---

// Receipt returns the current value of a receipt.
func (r *Repo) Receipt(ctx context.Context, uuid string) (model.Receipt, error) {
	e, err := lookup(ctx, r.receipts, uuid, r.store.GetReceipt)
	if err != nil {
		return model.Receipt{}, err
	}
	return e.Load(), nil
}

// SaveReceipt writes a receipt. The table merges forward-only, so the cache
// is refreshed from it afterwards.
func (r *Repo) SaveReceipt(ctx context.Context, rc model.Receipt) error {
	if err := write(ctx, r.receipts, rc.UUID, rc, r.store.UpsertReceipt); err != nil {
		return err
	}
	merged, err := r.store.GetReceipt(ctx, rc.UUID)
	if err != nil {
		r.receipts.Evict(rc.UUID)
		return err
	}
	r.receipts.Put(rc.UUID, merged)
	return nil
}

// Receipts lists the receipts of an event.
func (r *Repo) Receipts(ctx context.Context, eventUUID string) ([]model.Receipt, error) {
	return r.store.ListReceipts(ctx, eventUUID)
}

// --- views ---

// EventView returns the shared paged view of a conversation's events.
func (r *Repo) EventView(conversationUUID string) *EventView {
	r.viewsMu.Lock()
	defer r.viewsMu.Unlock()
	v, ok := r.views[conversationUUID]
	if !ok {
		v = newEventView(r.store, conversationUUID, r.pageSize)
		r.views[conversationUUID] = v
	}
	return v
}

// RefreshEvents invalidates the paged view of a conversation, if one was
// opened.
func (r *Repo) RefreshEvents(conversationUUID string) {
	r.viewsMu.Lock()
	v, ok := r.views[conversationUUID]
	r.viewsMu.Unlock()
	if ok {
		v.Refresh()
	}
}

// Purge clears every table and cache.
func (r *Repo) Purge(ctx context.Context) error {
	r.conversations.Purge()
	r.members.Purge()
	r.users.Purge()
	r.events.Purge()
	r.receipts.Purge()
	r.viewsMu.Lock()
	clear(r.views)
	r.viewsMu.Unlock()
	return r.store.Purge(ctx)
}
