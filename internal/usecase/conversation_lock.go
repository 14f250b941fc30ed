package usecase

import (
	"context"
	"sync"

	"chatcore/internal/domain"
)

// ConversationLocker serialises turns per conversation id. The chat core
// assumes a single writer per conversation; callers that accept concurrent
// requests take this lock around each turn.
type ConversationLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

// lockSlot is a one-token semaphore shared by every caller waiting on an id.
type lockSlot struct {
	token chan struct{}
	refs  int
}

// NewConversationLocker creates an empty locker.
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{slots: make(map[string]*lockSlot)}
}

// Lock blocks until the lock for id is held or ctx is done. The returned
// unlock func must be called exactly once; extra calls are no-ops.
func (l *ConversationLocker) Lock(ctx context.Context, id string) (unlock func(), err error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{token: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.token
				l.release(id, slot)
			})
		}, nil
	case <-ctx.Done():
		l.release(id, slot)
		return nil, domain.WrapOp("ConversationLocker.Lock", ctx.Err())
	}
}

func (l *ConversationLocker) release(id string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, id)
	}
}

// Active returns the number of ids with a held or pending lock.
func (l *ConversationLocker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
