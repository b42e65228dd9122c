package elfprogram

import (
	"errors"
	"sync"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procpool"
)

// errInvalidArgument is returned by Load for an empty content slice; it
// never reaches the SVC boundary directly, so it is a plain error rather
// than a kerrno.Errno — the syscall dispatcher maps it to -ENOEXEC itself.
var errInvalidArgument = errors.New("elfprogram: empty content")

// CacheKey identifies a file on whatever filesystem backs it, the same way
// the loader does: inode plus device, so two paths resolving to the same
// inode share one cache entry.
type CacheKey struct {
	Inode, Device uint64
}

// ProgramCache shares the RAM-resident bytes of a non-XIP executable across
// concurrently running instances of the same program, so spawning N copies
// of one binary costs one copy's worth of code RAM. It does not perform
// filesystem resolution itself — that is out of scope — callers already
// have the bytes (e.g. read from a romfs entry) and a stat-derived key.
type ProgramCache struct {
	mu      sync.Mutex
	pool    *procpool.Pool
	entries map[CacheKey]*cacheEntry
}

type cacheEntry struct {
	key      CacheKey
	base     uint32
	size     uint32
	useCount int
}

// NewProgramCache creates a cache that allocates RAM-resident copies from
// pool.
func NewProgramCache(pool *procpool.Pool) *ProgramCache {
	return &ProgramCache{pool: pool, entries: make(map[CacheKey]*cacheEntry)}
}

// Load returns an ElfProgram for key, either from cache (incrementing its
// use count) or by allocating a pool block, copying content in, zeroing the
// slack, validating the header, and caching the result. On any failure no
// pool block is leaked and no cache entry is created: an ELF that fails
// validation is returned with its ErrorCode set, its block already freed.
//
// Load never inspects XIP filesystems; a caller serving an XIP-resident
// executable should construct an ElfProgram with New directly instead,
// passing copiedInRAM=false, and never call Unload for it.
func (c *ProgramCache) Load(key CacheKey, content []byte, limits Limits) (*ElfProgram, error) {
	if len(content) == 0 {
		return nil, errInvalidArgument
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.useCount++
		bytes := c.pool.Bytes(uintptr(e.base), uintptr(e.size))
		c.mu.Unlock()
		return New(bytes, e.base, true, limits), nil
	}
	c.mu.Unlock()

	addr, size, err := c.pool.Allocate(uintptr(len(content)))
	if err != nil {
		return nil, err
	}
	dst := c.pool.Bytes(addr, size)
	n := copy(dst, content)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	ep := New(dst, uint32(addr), true, limits)
	if !ep.Valid() {
		c.pool.Deallocate(addr)
		return ep, nil
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{key: key, base: uint32(addr), size: uint32(size), useCount: 1}
	c.mu.Unlock()

	return ep, nil
}

// Unload decrements the use count of the cache entry owning base, freeing
// the pool block and dropping the entry when it reaches zero. Unload is a
// no-op (logically a bug in the caller) if base is not a known cache entry;
// it never panics, since callers drive it from process teardown paths that
// must not fail.
func (c *ProgramCache) Unload(base uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.base != base {
			continue
		}
		e.useCount--
		if e.useCount <= 0 {
			c.pool.Deallocate(uintptr(e.base))
			delete(c.entries, key)
		}
		return
	}
}

// UseCount returns the current reference count for the cache entry at base,
// and whether one exists. Exposed for tests.
func (c *ProgramCache) UseCount(base uint32) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.base == base {
			return e.useCount, true
		}
	}
	return 0, false
}
