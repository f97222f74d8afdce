// Package feed fans position changes out to per-wallet subscribers.
package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/store"
)

// Lister loads a wallet's positions.
type Lister interface {
	ListPositionsByUser(ctx context.Context, owner string) ([]model.Position, error)
}

// Handler receives the full position list of a wallet after each change.
// It is called synchronously and must not block.
type Handler func(positions []model.Position)

// Broker implements store.Notifier. On a change it reloads the owner's
// positions once and hands the list to every subscriber of that wallet.
type Broker struct {
	lister  Lister
	log     *zap.Logger
	timeout time.Duration

	mu   sync.RWMutex
	subs map[string]map[uint64]Handler
	next uint64
}

func NewBroker(lister Lister, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		lister:  lister,
		log:     log.Named("feed"),
		timeout: 5 * time.Second,
		subs:    make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers fn for owner's position changes. The returned func
// removes the subscription.
func (b *Broker) Subscribe(owner string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[owner] == nil {
		b.subs[owner] = make(map[uint64]Handler)
	}
	b.subs[owner][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[owner], id)
			if len(b.subs[owner]) == 0 {
				delete(b.subs, owner)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions for owner.
func (b *Broker) Subscribers(owner string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[owner])
}

func (b *Broker) PositionsChanged(owner string) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[owner]))
	for _, fn := range b.subs[owner] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	positions, err := b.lister.ListPositionsByUser(ctx, owner)
	if err != nil {
		b.log.Warn("reload positions failed", zap.String("owner", owner), zap.Error(err))
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	for _, fn := range handlers {
		fn(positions)
	}
}

var _ store.Notifier = (*Broker)(nil)
