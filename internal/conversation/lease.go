package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/tally/internal/database"
)

// ErrLeaseHeld is returned when a conversation stays locked by another
// holder until the caller's context ends.
var ErrLeaseHeld = errors.New("conversation is busy")

// AcquireLease tries once to take the write lease on a conversation.
// It succeeds when no lease exists, the current lease has expired, or
// holder already owns it (renewal).
func (s *Store) AcquireLease(ctx context.Context, conversationID int64, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_leases (conversation_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE
		   SET holder = excluded.holder, expires_at = excluded.expires_at
		   WHERE conversation_leases.expires_at < ? OR conversation_leases.holder = excluded.holder`,
		conversationID, holder, database.FormatTime(now.Add(ttl)), database.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease on conversation %d: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, conversationID int64, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_leases WHERE conversation_id = ? AND holder = ?`,
		conversationID, holder)
	if err != nil {
		return fmt.Errorf("release lease on conversation %d: %w", conversationID, err)
	}
	return nil
}

// Locker serializes turns per conversation. Within a process an
// in-memory keyed mutex orders waiters; across processes the lease
// table does, polled until the caller's context ends.
type Locker struct {
	store  *Store
	holder string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates a Locker whose leases last ttl. Each Locker uses a
// fresh holder id, so one Locker should be shared per process.
func NewLocker(store *Store, ttl time.Duration, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		store:  store,
		holder: uuid.NewString(),
		ttl:    ttl,
		poll:   100 * time.Millisecond,
		logger: logger.With("component", "conversation_lock"),
		locks:  make(map[int64]*keyLock),
	}
}

// Lock blocks until the caller holds conversationID exclusively or ctx
// ends. The returned function releases the lock and must be called
// exactly once.
func (l *Locker) Lock(ctx context.Context, conversationID int64) (func(), error) {
	kl := l.ref(conversationID)
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(conversationID)
		return nil, fmt.Errorf("wait for conversation %d: %w", conversationID, ctx.Err())
	}

	if err := l.acquire(ctx, conversationID); err != nil {
		<-kl.ch
		l.unref(conversationID)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := l.store.ReleaseLease(rctx, conversationID, l.holder); err != nil {
				l.logger.Warn("lease release failed, will expire",
					"conversation_id", conversationID, "error", err)
			}
			<-kl.ch
			l.unref(conversationID)
		})
	}, nil
}

func (l *Locker) acquire(ctx context.Context, conversationID int64) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.store.AcquireLease(ctx, conversationID, l.holder, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("conversation %d: %w: %w", conversationID, ErrLeaseHeld, ctx.Err())
			}
			return err
		}
		if ok {
			return nil
		}
		l.logger.Debug("conversation leased elsewhere, waiting", "conversation_id", conversationID)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("conversation %d: %w: %w", conversationID, ErrLeaseHeld, ctx.Err())
		}
	}
}

func (l *Locker) ref(id int64) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[id] = kl
	}
	kl.refs++
	return kl
}

func (l *Locker) unref(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[id]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, id)
	}
}
