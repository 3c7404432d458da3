package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"pushpay-service/internal/model"
)

type entry struct {
	mu sync.Mutex
	tx *model.Transaction
}

// TransactionStore keeps transactions in process memory. Updates to the same
// reference are serialised by a per-entry mutex; different references never
// contend.
type TransactionStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{entries: make(map[string]*entry)}
}

func (s *TransactionStore) Create(_ context.Context, tx *model.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[tx.LocalReference]; ok {
		return errors.Wrapf(model.ErrDuplicateReference, "reference %s", tx.LocalReference)
	}
	s.entries[tx.LocalReference] = &entry{tx: tx.Clone()}
	return nil
}

func (s *TransactionStore) lookup(localReference string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[localReference]
	if !ok {
		return nil, errors.Wrapf(model.ErrTransactionNotFound, "reference %s", localReference)
	}
	return e, nil
}

func (s *TransactionStore) Get(_ context.Context, localReference string) (*model.Transaction, error) {
	e, err := s.lookup(localReference)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Clone(), nil
}

// Update hands fn a private copy of the transaction and swaps it in when fn
// asks for the change to be kept.
func (s *TransactionStore) Update(ctx context.Context, localReference string, fn func(tx *model.Transaction) (bool, error)) (*model.Transaction, error) {
	e, err := s.lookup(localReference)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working := e.tx.Clone()
	persist, err := fn(working)
	if err != nil {
		return nil, err
	}
	if persist {
		e.tx = working
	}
	return e.tx.Clone(), nil
}

// ListStale returns open transactions with a network reference whose status
// was last checked before the given instant, oldest first.
func (s *TransactionStore) ListStale(_ context.Context, checkedBefore time.Time, limit int) ([]*model.Transaction, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var stale []*model.Transaction
	for _, e := range entries {
		e.mu.Lock()
		tx := e.tx
		if !tx.LocalState.Terminal() && tx.NetworkReference != "" &&
			(tx.LastStatusCheckedAt == nil || tx.LastStatusCheckedAt.Before(checkedBefore)) {
			stale = append(stale, tx.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(stale, func(i, j int) bool {
		return lastChecked(stale[i]).Before(lastChecked(stale[j]))
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func lastChecked(tx *model.Transaction) time.Time {
	if tx.LastStatusCheckedAt == nil {
		return tx.CreatedAt
	}
	return *tx.LastStatusCheckedAt
}

func (s *TransactionStore) CountOpen(_ context.Context, merchantSerialNumber string) (int, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.tx.MerchantSerialNumber == merchantSerialNumber && !e.tx.LocalState.Terminal() {
			count++
		}
		e.mu.Unlock()
	}
	return count, nil
}
