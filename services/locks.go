package services

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stake-arena/events"
)

// keyedMutex is the in-process advisory lock keyed by match, tournament or payout id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// save writes every column of a row but never its loaded associations.
func save(tx *gorm.DB, v any) error {
	return tx.Omit(clause.Associations).Save(v).Error
}

// pause is the observation delay that lets clients render an outcome.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// afterCommit collects what must happen once a transaction has committed:
// row changes to publish and rounds whose timers must be armed.
type afterCommit struct {
	changes []events.Change
	rounds  []roundTimerRequest
}

type roundTimerRequest struct {
	roundID string
	after   time.Duration
}

func (a *afterCommit) change(table string, op events.Op, id string, row any) {
	a.changes = append(a.changes, events.NewChange(table, op, id, row))
}

func (a *afterCommit) arm(roundID string, after time.Duration) {
	a.rounds = append(a.rounds, roundTimerRequest{roundID: roundID, after: after})
}

func now() time.Time {
	return time.Now().UTC()
}

func ptr[T any](v T) *T {
	return &v
}
