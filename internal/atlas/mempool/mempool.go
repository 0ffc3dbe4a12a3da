// Package mempool implements the fixed-size page pools backing the atlas:
// the resident device memory region and the overflow swap store.
//
// A Pool owns a contiguous address range sub-allocated in fixed-size
// pages. Pages are handed out by physical address; the free list is a
// LIFO stack of page indexes. Capacity accounting lives here so the table
// invariants (resident footprint <= pool size, swapped footprint <= swap
// size) hold by construction: a page can only be mapped by an entry after
// the owning pool handed it out.
package mempool

import (
	"fmt"
	"sync"

	"github.com/kolkov/shardatlas/internal/atlas/errdefs"
)

// Pool is one tier of the memory hierarchy.
//
// Thread Safety: all methods are safe for concurrent use. The free list
// is mutex-protected; this is never on the lookup hot path - only swap
// planning and add/remove touch it.
type Pool struct {
	name     string
	base     uint64
	size     uint64
	pageSize uint64
	npages   uint32

	// data backs the page payloads. Transfers between tiers copy
	// through these windows, which is what makes the round-trip
	// payload-identity property testable.
	data []byte

	mu   sync.Mutex
	free []uint32 // free page indexes, LIFO
	used []bool   // used[i] = page i handed out
}

// New creates a pool spanning [base, base+size) in pageSize pages.
//
// size must be a non-zero multiple of pageSize. Errors wrap
// errdefs.ErrAllocationFailure so Init can treat them as fatal.
func New(name string, base, size, pageSize uint64) (*Pool, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("%w: %s: zero page size", errdefs.ErrAllocationFailure, name)
	}
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("%w: %s: size %d not a multiple of page size %d",
			errdefs.ErrAllocationFailure, name, size, pageSize)
	}
	npages := size / pageSize
	if npages > 1<<31 {
		return nil, fmt.Errorf("%w: %s: %d pages exceeds pool limit", errdefs.ErrAllocationFailure, name, npages)
	}

	p := &Pool{
		name:     name,
		base:     base,
		size:     size,
		pageSize: pageSize,
		npages:   uint32(npages),
		data:     make([]byte, size),
		free:     make([]uint32, 0, npages),
		used:     make([]bool, npages),
	}
	// Push indexes in reverse so page 0 is handed out first.
	for i := uint32(npages); i > 0; i-- {
		p.free = append(p.free, i-1)
	}
	return p, nil
}

// Name returns the pool name used in errors and logs.
func (p *Pool) Name() string { return p.name }

// Base returns the first address of the pool's range.
func (p *Pool) Base() uint64 { return p.base }

// Size returns the pool size in bytes.
func (p *Pool) Size() uint64 { return p.size }

// PageSize returns the fixed page size in bytes.
func (p *Pool) PageSize() uint64 { return p.pageSize }

// TotalPages returns the number of pages in the pool.
func (p *Pool) TotalPages() int { return int(p.npages) }

// Contains reports whether addr falls inside this pool's range.
//
//go:nosplit
func (p *Pool) Contains(addr uint64) bool {
	return addr >= p.base && addr < p.base+p.size
}

// Acquire hands out a free page and returns its physical address.
// Fails with ErrCapacityExceeded when the pool is exhausted.
func (p *Pool) Acquire() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return 0, fmt.Errorf("%w: %s pool exhausted", errdefs.ErrCapacityExceeded, p.name)
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.used[idx] = true
	return p.base + uint64(idx)*p.pageSize, nil
}

// Claim marks the specific page at addr as used. This is the AddEntry
// path, where the caller supplies the physical address. The address must
// be page-aligned within the pool and the page must be free.
func (p *Pool) Claim(addr uint64) error {
	idx, err := p.pageIndex(addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used[idx] {
		return fmt.Errorf("%w: %s page %#x already mapped", errdefs.ErrDuplicateAddress, p.name, addr)
	}
	for i, f := range p.free {
		if f == idx {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.used[idx] = true
	return nil
}

// Release returns the page at addr to the free list.
func (p *Pool) Release(addr uint64) error {
	idx, err := p.pageIndex(addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.used[idx] {
		return fmt.Errorf("%w: %s page %#x not mapped", errdefs.ErrNotFound, p.name, addr)
	}
	p.used[idx] = false
	p.free = append(p.free, idx)
	return nil
}

// Page returns the payload window for the page at addr.
//
// The window is only meaningful while the caller owns the page through
// the transition protocol; the pool does not police access.
func (p *Pool) Page(addr uint64) ([]byte, error) {
	idx, err := p.pageIndex(addr)
	if err != nil {
		return nil, err
	}
	off := uint64(idx) * p.pageSize
	return p.data[off : off+p.pageSize : off+p.pageSize], nil
}

// FreePages returns the number of unallocated pages.
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// UsedPages returns the number of pages currently handed out.
func (p *Pool) UsedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.npages) - len(p.free)
}

// UsedBytes returns the footprint of handed-out pages.
func (p *Pool) UsedBytes() uint64 {
	return uint64(p.UsedPages()) * p.pageSize
}

// pageIndex validates addr and maps it to a page index.
func (p *Pool) pageIndex(addr uint64) (uint32, error) {
	if !p.Contains(addr) {
		return 0, fmt.Errorf("%w: address %#x outside %s pool [%#x,%#x)",
			errdefs.ErrNotFound, addr, p.name, p.base, p.base+p.size)
	}
	off := addr - p.base
	if off%p.pageSize != 0 {
		return 0, fmt.Errorf("%w: address %#x not page-aligned in %s pool",
			errdefs.ErrNotFound, addr, p.name)
	}
	return uint32(off / p.pageSize), nil
}
