package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceReader reads a single on-chain balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, id LedgerID, owner common.Address) (Amount, error)
}

type cacheKey struct {
	owner common.Address
	id    LedgerID
}

type cacheEntry struct {
	amount    Amount
	updatedAt time.Time
}

// BalanceCache holds the last known balance per (owner, ledger). Misses read
// through to the underlying reader.
type BalanceCache struct {
	reader  BalanceReader
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

// NewBalanceCache creates an empty cache in front of reader.
func NewBalanceCache(reader BalanceReader) *BalanceCache {
	return &BalanceCache{
		reader:  reader,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// BalanceOf returns the cached balance or reads and caches it.
func (c *BalanceCache) BalanceOf(ctx context.Context, id LedgerID, owner common.Address) (Amount, error) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey{owner, id}]
	c.mu.RUnlock()
	if ok {
		return e.amount, nil
	}

	amount, err := c.reader.BalanceOf(ctx, id, owner)
	if err != nil {
		return 0, err
	}
	c.Set(owner, Balance{LedgerID: id, Amount: amount})
	return amount, nil
}

// Fresh returns a reader that always reads the chain and records what it saw
// in the cache. Transfer planning must use it, never the cache itself.
func (c *BalanceCache) Fresh() BalanceReader {
	return freshReader{cache: c}
}

type freshReader struct {
	cache *BalanceCache
}

func (f freshReader) BalanceOf(ctx context.Context, id LedgerID, owner common.Address) (Amount, error) {
	amount, err := f.cache.reader.BalanceOf(ctx, id, owner)
	if err != nil {
		return 0, err
	}
	f.cache.Set(owner, Balance{LedgerID: id, Amount: amount})
	return amount, nil
}

// Set stores a freshly observed balance.
func (c *BalanceCache) Set(owner common.Address, b Balance) {
	c.mu.Lock()
	c.entries[cacheKey{owner, b.LedgerID}] = cacheEntry{amount: b.Amount, updatedAt: time.Now()}
	c.mu.Unlock()
}

// Snapshot returns the cached balances of owner across the supported ledgers.
// Ledgers never read are omitted.
func (c *BalanceCache) Snapshot(owner common.Address) []Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Balance
	for _, id := range Supported() {
		if e, ok := c.entries[cacheKey{owner, id}]; ok {
			out = append(out, Balance{LedgerID: id, Amount: e.amount})
		}
	}
	return out
}

// ReadAll reads the balance of owner on each ledger. Every ledger is attempted
// and the errors are joined.
func ReadAll(ctx context.Context, reader BalanceReader, owner common.Address, ids []LedgerID) ([]Balance, error) {
	var (
		out  []Balance
		errs []error
	)
	for _, id := range ids {
		amount, err := reader.BalanceOf(ctx, id, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("ledger %s: %w", id, err))
			continue
		}
		out = append(out, Balance{LedgerID: id, Amount: amount})
	}
	return out, errors.Join(errs...)
}

// DelayedRefresher re-reads balances once a settle delay has elapsed and
// writes them into the cache. Refreshes are read-only and idempotent, so a
// refresh overlapping a new transfer is harmless.
type DelayedRefresher struct {
	reader BalanceReader
	cache  *BalanceCache
	delay  time.Duration
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDelayedRefresher creates a refresher that waits delay before reading.
func NewDelayedRefresher(reader BalanceReader, cache *BalanceCache, delay time.Duration, logger *slog.Logger) *DelayedRefresher {
	return &DelayedRefresher{
		reader: reader,
		cache:  cache,
		delay:  delay,
		logger: logger,
	}
}

// ScheduleRefresh returns immediately; the refresh runs in the background.
func (r *DelayedRefresher) ScheduleRefresh(ctx context.Context, owner common.Address, ids []LedgerID) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.logger.Debug("balance refresh cancelled", "owner", owner.Hex())
			return
		case <-timer.C:
		}

		if _, err := r.Refresh(ctx, owner, ids); err != nil {
			r.logger.Warn("balance refresh failed", "owner", owner.Hex(), "error", err)
		}
	}()
	return nil
}

// Refresh reads the balances now and stores whatever was read.
func (r *DelayedRefresher) Refresh(ctx context.Context, owner common.Address, ids []LedgerID) ([]Balance, error) {
	balances, err := ReadAll(ctx, r.reader, owner, ids)
	for _, b := range balances {
		r.cache.Set(owner, b)
	}
	r.logger.Info("balances refreshed", "owner", owner.Hex(), "count", len(balances))
	return balances, err
}

// Wait blocks until all scheduled refreshes have finished.
func (r *DelayedRefresher) Wait() {
	r.wg.Wait()
}
