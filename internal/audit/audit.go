// Package audit keeps the append-only history of submission lifecycle events.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ddp/uploadportal/internal/models"
	"go.uber.org/zap"
)

// Store persists history entries. ForUser must return entries the user acted
// in or is counterparty of, newest first, ties in insertion order.
type Store interface {
	Append(ctx context.Context, e models.HistoryEntry) error
	ForUser(ctx context.Context, userID string) ([]models.HistoryEntry, error)
}

// Log is the audit trail used by the approval queue.
type Log struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

// NewLog constructs a Log writing to store.
func NewLog(store Store, log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{store: store, now: time.Now, log: log}
}

// Add appends e, stamping it with the current time when Timestamp is zero.
func (l *Log) Add(ctx context.Context, e models.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if err := l.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	l.log.Info("history recorded",
		zap.String("action", string(e.Action)),
		zap.String("actor", e.ActingUserID),
		zap.String("counterparty", e.CounterpartyID),
		zap.String("package", e.PackageID),
	)
	return nil
}

// ForUser returns the history visible to userID, newest first.
func (l *Log) ForUser(ctx context.Context, userID string) ([]models.HistoryEntry, error) {
	entries, err := l.store.ForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

// MemoryStore is a Store that lives for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.HistoryEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// ForUser implements Store.
func (s *MemoryStore) ForUser(_ context.Context, userID string) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	out := make([]models.HistoryEntry, 0)
	for _, e := range s.entries {
		if e.Involves(userID) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}
