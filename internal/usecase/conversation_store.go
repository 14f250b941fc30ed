package usecase

import (
	"container/list"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatcore/internal/domain"
	"chatcore/internal/infra/metrics"
)

// Default store limits.
const (
	defaultMaxConversations = 1000
	defaultConversationTTL  = 24 * time.Hour
)

// StoreOptions bounds the in-memory conversation store.
type StoreOptions struct {
	// MaxConversations caps the number held; the least recently used is
	// evicted on overflow. Zero means the default.
	MaxConversations int
	// TTL is how long a conversation may sit unused before ReapIdle drops
	// it. Negative disables reaping; zero means the default.
	TTL time.Duration
}

// ConversationStore keeps conversations in memory, bounded by an LRU and an
// idle TTL. Stored conversations are snapshots: callers replace them with Put
// and never mutate a value they got back from Get.
type ConversationStore struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front is most recently used
	items   map[string]*list.Element
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type storeEntry struct {
	conv     *domain.Conversation
	lastUsed time.Time
}

// NewConversationStore creates an empty store. m may be nil.
func NewConversationStore(opts StoreOptions, m *metrics.Metrics, logger *slog.Logger) *ConversationStore {
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = defaultMaxConversations
	}
	if opts.TTL == 0 {
		opts.TTL = defaultConversationTTL
	}
	return &ConversationStore{
		maxSize: opts.MaxConversations,
		ttl:     opts.TTL,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the conversation and marks it as recently used.
func (s *ConversationStore) Get(id string) (*domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*storeEntry)
	entry.lastUsed = s.now()
	s.order.MoveToFront(el)
	return entry.conv, true
}

// Put inserts or replaces a conversation, evicting the least recently used
// ones when the store is full.
func (s *ConversationStore) Put(conv *domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.items[conv.ID]; ok {
		entry := el.Value.(*storeEntry)
		entry.conv = conv
		entry.lastUsed = now
		s.order.MoveToFront(el)
		return
	}

	s.items[conv.ID] = s.order.PushFront(&storeEntry{conv: conv, lastUsed: now})
	for s.order.Len() > s.maxSize {
		oldest := s.order.Back()
		id := s.removeLocked(oldest)
		s.logger.Debug("conversation evicted", "conversation_id", id, "reason", "capacity")
	}
	s.metrics.SetConversations(s.order.Len())
}

// Delete removes a conversation. It reports whether one was present.
func (s *ConversationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return false
	}
	s.removeLocked(el)
	s.metrics.SetConversations(s.order.Len())
	return true
}

// List returns summaries of all conversations, most recently updated first.
func (s *ConversationStore) List() []domain.ConversationSummary {
	s.mu.Lock()
	out := make([]domain.ConversationSummary, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*storeEntry).conv.Summary())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Len returns the number of conversations held.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// ReapIdle drops conversations unused for longer than the TTL and returns
// how many were removed.
func (s *ConversationStore) ReapIdle() int {
	if s.ttl < 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	reaped := 0
	// The list is ordered by use, so idle entries sit at the back.
	for el := s.order.Back(); el != nil; {
		entry := el.Value.(*storeEntry)
		if !entry.lastUsed.Before(cutoff) {
			break
		}
		prev := el.Prev()
		s.removeLocked(el)
		reaped++
		el = prev
	}
	if reaped > 0 {
		s.metrics.SetConversations(s.order.Len())
		s.logger.Info("idle conversations reaped", "count", reaped, "remaining", s.order.Len())
	}
	return reaped
}

func (s *ConversationStore) removeLocked(el *list.Element) string {
	entry := s.order.Remove(el).(*storeEntry)
	delete(s.items, entry.conv.ID)
	return entry.conv.ID
}

// newConversationID returns a fresh, time-ordered ULID.
func newConversationID() string {
	return ulid.Make().String()
}
