package elfprogram

import (
	"testing"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procpool"
)

func TestProgramCacheSharesAcrossInstances(t *testing.T) {
	pool, err := procpool.New(0, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewProgramCache(pool)

	content := minimalValid().build()
	key := CacheKey{Inode: 7, Device: 1}

	ep1, err := cache.Load(key, content, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if !ep1.Valid() {
		t.Fatalf("expected cached ELF to validate, got %d", ep1.ErrorCode())
	}

	ep2, err := cache.Load(key, content, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if ep1.ElfBase() != ep2.ElfBase() {
		t.Fatalf("expected second load to reuse the same RAM block: %#x vs %#x", ep1.ElfBase(), ep2.ElfBase())
	}

	if n, ok := cache.UseCount(ep1.ElfBase()); !ok || n != 2 {
		t.Fatalf("expected use count 2, got %d ok=%v", n, ok)
	}

	cache.Unload(ep1.ElfBase())
	if n, ok := cache.UseCount(ep1.ElfBase()); !ok || n != 1 {
		t.Fatalf("expected use count 1 after one unload, got %d ok=%v", n, ok)
	}

	cache.Unload(ep2.ElfBase())
	if _, ok := cache.UseCount(ep1.ElfBase()); ok {
		t.Fatal("expected entry to be evicted once use count reaches zero")
	}
	if _, ok := pool.AllocatedSize(uintptr(ep1.ElfBase())); ok {
		t.Fatal("expected pool block to be freed once use count reaches zero")
	}
}

func TestProgramCacheDistinctKeysGetDistinctBlocks(t *testing.T) {
	pool, err := procpool.New(0, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewProgramCache(pool)

	content := minimalValid().build()
	ep1, err := cache.Load(CacheKey{Inode: 1, Device: 1}, content, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	ep2, err := cache.Load(CacheKey{Inode: 2, Device: 1}, content, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if ep1.ElfBase() == ep2.ElfBase() {
		t.Fatal("expected distinct cache keys to get distinct RAM blocks")
	}
}

func TestProgramCacheRejectsEmptyContent(t *testing.T) {
	pool, err := procpool.New(0, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewProgramCache(pool)
	if _, err := cache.Load(CacheKey{Inode: 1, Device: 1}, nil, DefaultLimits()); err == nil {
		t.Fatal("expected error for empty content")
	}
}
