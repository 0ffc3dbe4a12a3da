// Package swap implements the atomic multi-page swap engine.
//
// Given a set of shards that must be resident, the engine claims the
// affected entries through the Pending protocol, selects eviction
// victims under memory pressure, moves page payloads between the tiers
// with a pool of cooperative copy workers, and commits or rolls back the
// claims so the call is all-or-nothing from the caller's perspective:
// either every requested shard ends up Resident and the coherency fence
// has been applied, or the failed entries are rolled back to their
// pre-call state and no entry is left stuck Pending.
//
// Transfers within one call are independent and complete in any order; a
// shared completion counter converts that parallelism into the single
// synchronous result. Evictions run as one wave and fetches as a second,
// because fetch destinations come from the pages the evictions free.
package swap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/shardatlas/internal/atlas/errdefs"
	"github.com/kolkov/shardatlas/internal/atlas/mempool"
	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
	"github.com/kolkov/shardatlas/internal/atlas/table"
)

// copyChunk is the stride unit for cooperative page copies. Matches the
// transfer granularity a device thread group would use per iteration.
const copyChunk = 4096

// Engine orchestrates atomic swaps against one table and its two pools.
//
// Thread Safety: concurrent AtomicSwap calls are safe; conflicting calls
// are arbitrated by the per-entry Pending claims, so two calls naming
// the same non-resident shard resolve to one winner and one Busy.
type Engine struct {
	table *table.Table
	mem   *mempool.Pool
	swap  *mempool.Pool

	// workers bounds the number of pages in flight; groupSize is the
	// number of goroutines cooperating on a single page's transfer.
	workers   int
	groupSize int

	// transfer performs one page move. Replaceable by tests to inject
	// partial hardware failures.
	transfer func(dst, src []byte) error

	log *zap.Logger
}

// NewEngine creates a swap engine over the given table.
func NewEngine(t *table.Table, workers, groupSize int, log *zap.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	if groupSize < 1 {
		groupSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		table:     t,
		mem:       t.MemPool(),
		swap:      t.SwapPool(),
		workers:   workers,
		groupSize: groupSize,
		log:       log,
	}
	e.transfer = func(dst, src []byte) error {
		e.cooperativeCopy(dst, src)
		return nil
	}
	return e
}

// SetTransferFunc replaces the page transfer primitive. Test hook for
// simulating partial transfer failures.
func (e *Engine) SetTransferFunc(fn func(dst, src []byte) error) {
	e.transfer = fn
}

// transferJob is one page move between the tiers.
type transferJob struct {
	entry   *table.Entry
	src     uint64
	dst     uint64
	srcPool *mempool.Pool
	dstPool *mempool.Pool
	err     error
}

// AtomicSwap brings every page of the requested shards resident.
//
// Algorithm (each step leaves the table consistent on failure):
//
//  1. Claim every non-resident page Pending (fetch). An entry already
//     Pending fails the whole call with Busy; claims made so far are
//     rolled back.
//  2. If free device pages cannot hold the fetches, claim eviction
//     victims: Resident, refcount 0, not Locked, not in the requested
//     set, lowest priority first, oldest insertion breaking ties. Each
//     claim is one atomic check-and-set. Insufficient evictable
//     capacity fails CapacityExceeded; no room in the swap store fails
//     OutOfSwapSpace; both roll back all Pending marks from this call.
//  3. Run the eviction wave, then the fetch wave, in parallel across
//     the worker pool with a shared completion counter.
//  4. Completed transfers commit (Pending -> Swapped/Resident); failed
//     transfers roll back. Any failure yields PartialSwapFailure naming
//     the shards that did not become resident, so the caller can retry
//     just those.
//  5. Apply the coherency fence before returning.
func (e *Engine) AtomicSwap(ctx context.Context, shardIDs []uint32) error {
	requested := dedupe(shardIDs)
	if len(requested) == 0 {
		return nil
	}

	// Step 1: claim fetches.
	exclude := make(map[uint32]struct{}, len(requested))
	var fetches []*table.Entry
	rollback := func(claims []*table.Entry) {
		for _, c := range claims {
			c.Rollback()
		}
	}

	for _, id := range requested {
		pages := e.table.PagesOf(id)
		if pages == nil {
			rollback(fetches)
			return fmt.Errorf("%w: shard %d", errdefs.ErrNotFound, id)
		}
		for _, pg := range pages {
			claimed, err := pg.ClaimFetch()
			if err != nil {
				rollback(fetches)
				return err
			}
			if claimed {
				fetches = append(fetches, pg)
			}
		}
		exclude[id] = struct{}{}
	}

	if len(fetches) == 0 {
		// Fully resident already: a successful no-op, nothing to fence.
		e.log.Debug("atomic swap no-op, all shards resident",
			zap.Uint32s("shards", requested))
		return nil
	}

	// Step 2: select victims under memory pressure.
	needed := len(fetches)
	free := e.mem.FreePages()
	var victims []*table.Entry
	if free < needed {
		deficit := needed - free
		for _, cand := range e.table.EvictionCandidates(exclude) {
			if cand.ClaimEvict() {
				victims = append(victims, cand)
				if len(victims) == deficit {
					break
				}
			}
		}
		if len(victims) < deficit {
			rollback(victims)
			rollback(fetches)
			return fmt.Errorf("%w: need %d device pages, %d free, %d evictable",
				errdefs.ErrCapacityExceeded, needed, free, len(victims))
		}
	}
	if e.swap.FreePages() < len(victims) {
		rollback(victims)
		rollback(fetches)
		return fmt.Errorf("%w: %d evictions, %d swap pages free",
			errdefs.ErrOutOfSwapSpace, len(victims), e.swap.FreePages())
	}

	e.log.Debug("atomic swap planned",
		zap.Uint32s("shards", requested),
		zap.Int("fetches", len(fetches)),
		zap.Int("evictions", len(victims)),
		zap.Int("free_pages", free))

	// Shared completion counter across both waves.
	var completed atomic.Uint32
	total := len(victims) + len(fetches)

	// Step 3a: eviction wave, device memory -> swap store.
	evictJobs, err := e.buildJobs(victims, e.mem, e.swap)
	if err != nil {
		rollback(victims)
		rollback(fetches)
		return err
	}
	e.runWave(ctx, evictJobs, &completed)

	evictFailures := 0
	for _, j := range evictJobs {
		if j.err != nil {
			evictFailures++
			e.releaseQuietly(e.swap, j.dst)
			j.entry.Rollback()
			e.log.Warn("eviction transfer failed",
				zap.Uint32("shard", j.entry.ShardID()),
				zap.Uint32("page", j.entry.PageOffset()),
				zap.Error(j.err))
			continue
		}
		if err := j.entry.Commit(pagestate.StateSwapped, j.dst); err != nil {
			return err
		}
		e.releaseQuietly(e.mem, j.src)
	}
	if evictFailures > 0 {
		// Not enough device space was freed; no fetch can be promised,
		// so every fetch claim rolls back and the whole requested set is
		// reported unfinished.
		rollback(fetches)
		e.table.Fence()
		return &errdefs.PartialSwapError{Shards: shardSet(fetches)}
	}

	// Step 3b: fetch wave, swap store -> device memory.
	fetchJobs, err := e.buildJobs(fetches, e.swap, e.mem)
	if err != nil {
		// The evictions above already committed and a concurrent caller
		// took the freed pages first. That is a partial result, not a
		// capacity failure: the fetch claims roll back and the caller
		// retries exactly the unfetched shards.
		rollback(fetches)
		e.table.Fence()
		e.log.Warn("fetch allocation lost to a concurrent caller",
			zap.Uint32s("shards", shardSet(fetches)),
			zap.Error(err))
		return &errdefs.PartialSwapError{Shards: shardSet(fetches)}
	}
	e.runWave(ctx, fetchJobs, &completed)

	var failed []*table.Entry
	for _, j := range fetchJobs {
		if j.err != nil {
			failed = append(failed, j.entry)
			e.releaseQuietly(e.mem, j.dst)
			j.entry.Rollback()
			e.log.Warn("fetch transfer failed",
				zap.Uint32("shard", j.entry.ShardID()),
				zap.Uint32("page", j.entry.PageOffset()),
				zap.Error(j.err))
			continue
		}
		if err := j.entry.Commit(pagestate.StateResident, j.dst); err != nil {
			return err
		}
		e.releaseQuietly(e.swap, j.src)
	}

	// Step 5: fence, then report.
	gen := e.table.Fence()

	if len(failed) > 0 {
		return &errdefs.PartialSwapError{Shards: shardSet(failed)}
	}

	e.log.Debug("atomic swap complete",
		zap.Uint32s("shards", requested),
		zap.Uint32("transfers", completed.Load()),
		zap.Int("expected", total),
		zap.Uint64("fence_generation", gen))
	return nil
}

// buildJobs allocates a destination page per claimed entry and pairs it
// with the entry's current placement.
func (e *Engine) buildJobs(entries []*table.Entry, srcPool, dstPool *mempool.Pool) ([]*transferJob, error) {
	jobs := make([]*transferJob, 0, len(entries))
	for _, ent := range entries {
		dst, err := dstPool.Acquire()
		if err != nil {
			// Capacity was verified before claiming; release what this
			// loop already took and fail the call.
			for _, j := range jobs {
				e.releaseQuietly(dstPool, j.dst)
			}
			return nil, err
		}
		jobs = append(jobs, &transferJob{
			entry:   ent,
			src:     ent.Physical(),
			dst:     dst,
			srcPool: srcPool,
			dstPool: dstPool,
		})
	}
	return jobs, nil
}

// runWave executes one direction's transfers in parallel. Jobs record
// their own outcome; a failed transfer never aborts its siblings,
// matching the no-ordering contract within a call.
func (e *Engine) runWave(ctx context.Context, jobs []*transferJob, completed *atomic.Uint32) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				j.err = err
				return nil
			}
			src, err := j.srcPool.Page(j.src)
			if err != nil {
				j.err = err
				return nil
			}
			dst, err := j.dstPool.Page(j.dst)
			if err != nil {
				j.err = err
				return nil
			}
			if err := e.transfer(dst, src); err != nil {
				j.err = err
				return nil
			}
			completed.Add(1)
			return nil
		})
	}
	// Workers never return errors; Wait is a pure join.
	_ = g.Wait()
}

// cooperativeCopy moves one page with groupSize goroutines striding
// interleaved chunks, the Go rendition of a device thread group
// cooperating on a single page's transfer.
func (e *Engine) cooperativeCopy(dst, src []byte) {
	group := e.groupSize
	if group <= 1 || len(src) <= copyChunk {
		copy(dst, src)
		return
	}

	var wg sync.WaitGroup
	for w := 0; w < group; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for off := w * copyChunk; off < len(src); off += group * copyChunk {
				end := off + copyChunk
				if end > len(src) {
					end = len(src)
				}
				copy(dst[off:end], src[off:end])
			}
		}(w)
	}
	wg.Wait()
}

// releaseQuietly returns a page to its pool, logging instead of failing:
// by the time commit/rollback runs the call's outcome is already
// decided.
func (e *Engine) releaseQuietly(p *mempool.Pool, addr uint64) {
	if err := p.Release(addr); err != nil {
		e.log.Error("page release failed", zap.Uint64("paddr", addr), zap.Error(err))
	}
}

// dedupe drops repeated shard IDs, preserving first-seen order.
func dedupe(ids []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(ids))
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// shardSet collects the distinct shard IDs of a set of entries.
func shardSet(entries []*table.Entry) []uint32 {
	ids := make([]uint32, 0, len(entries))
	for _, ent := range entries {
		ids = append(ids, ent.ShardID())
	}
	return dedupe(ids)
}
