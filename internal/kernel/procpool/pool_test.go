package procpool

import "testing"

func TestNewRejectsBadSize(t *testing.T) {
	if _, err := New(0, 3*BlockSize); err == nil {
		t.Fatal("expected error for non-power-of-two size")
	}
	if _, err := New(0, BlockSize/2); err == nil {
		t.Fatal("expected error for size below BlockSize")
	}
}

func TestAllocateAlignedAndPowerOfTwo(t *testing.T) {
	p, err := New(0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	addr, size, err := p.Allocate(3000)
	if err != nil {
		t.Fatal(err)
	}
	if size&(size-1) != 0 {
		t.Fatalf("size %d is not a power of two", size)
	}
	if addr%size != 0 {
		t.Fatalf("addr %#x not aligned to its own size %d", addr, size)
	}
	if size < BlockSize {
		t.Fatalf("size %d below BlockSize", size)
	}
}

func TestAllocateRejectsOversizeAndZero(t *testing.T) {
	p, err := New(0, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Allocate(1 << 13); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := p.Allocate(0); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDeallocateThenReuse(t *testing.T) {
	p, err := New(0, 1<<14)
	if err != nil {
		t.Fatal(err)
	}

	addr, size, err := p.Allocate(BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Deallocate(addr); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.AllocatedSize(addr); ok {
		t.Fatal("expected allocation to be forgotten after Deallocate")
	}

	addr2, size2, err := p.Allocate(BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr || size2 != size {
		t.Fatalf("expected reuse of freed block, got addr=%#x size=%d", addr2, size2)
	}
}

func TestDeallocateUnknownPointer(t *testing.T) {
	p, err := New(0, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Deallocate(0x1234); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	p, err := New(0, 4*BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	var addrs []uintptr
	for i := 0; i < 4; i++ {
		addr, _, err := p.Allocate(BlockSize)
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		addrs = append(addrs, addr)
	}

	if _, _, err := p.Allocate(BlockSize); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	// Freeing one block lets the next same-size allocation succeed, and the
	// table is not left corrupted by the failed attempt.
	if err := p.Deallocate(addrs[0]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Allocate(BlockSize); err != nil {
		t.Fatalf("expected allocation to succeed after freeing a block: %v", err)
	}
}

func TestAllocateSkipsUnalignedBase(t *testing.T) {
	// Pool base itself is not aligned to the larger block size being
	// requested; Allocate must still return a self-aligned address.
	p, err := New(2*BlockSize, 16*BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	addr, size, err := p.Allocate(4 * BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if addr%size != 0 {
		t.Fatalf("addr %#x not aligned to size %d despite unaligned pool base", addr, size)
	}
}
