package procimage

import (
	"encoding/binary"
	"testing"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/elfprogram"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procpool"
)

// buildRelocatableELF assembles a minimal valid ELF with a code segment, a
// writable data segment containing two pointer-sized words to relocate (one
// data-segment pointer, one code-segment pointer), and a dynamic segment
// wiring DT_MX_RAMSIZE/STACKSIZE and the two-entry relocation table.
func buildRelocatableELF(t *testing.T, ramSize, stackSize uint32) (*elfprogram.ElfProgram, uint32 /*elfBase*/) {
	t.Helper()
	const (
		ehdrSize = 52
		phdrSize = 32
		dynSize  = 8
		relSize  = 8
	)
	le := binary.LittleEndian

	codeLen := uint32(16)
	dataLen := uint32(16) // two words to relocate + padding

	codeOff := uint32(ehdrSize + 3*phdrSize)
	dataOff := codeOff + codeLen
	dynContentOff := dataOff + dataLen
	nDyn := uint32(6)
	relTableOff := dynContentOff + nDyn*dynSize
	fileSize := relTableOff + 2*relSize

	buf := make([]byte, fileSize)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 1, 1, 1
	le.PutUint16(buf[16:18], 2)      // ET_EXEC
	le.PutUint16(buf[18:20], 0x28)   // EM_ARM
	le.PutUint32(buf[20:24], 1)      // EV_CURRENT
	le.PutUint32(buf[24:28], codeOff) // e_entry
	le.PutUint32(buf[28:32], ehdrSize)
	le.PutUint32(buf[36:40], 0x05000000) // EABI v5, no FPU
	le.PutUint16(buf[40:42], ehdrSize)
	le.PutUint16(buf[42:44], phdrSize)
	le.PutUint16(buf[44:46], 3) // phnum

	writePhdr := func(i int, pType, off, filesz, memsz, flags, align uint32) {
		p := ehdrSize + i*phdrSize
		le.PutUint32(buf[p+0:p+4], pType)
		le.PutUint32(buf[p+4:p+8], off)
		le.PutUint32(buf[p+16:p+20], filesz)
		le.PutUint32(buf[p+20:p+24], memsz)
		le.PutUint32(buf[p+24:p+28], flags)
		le.PutUint32(buf[p+28:p+32], align)
	}
	writePhdr(0, 1 /*PT_LOAD*/, codeOff, codeLen, codeLen, 0x1|0x4 /*X|R*/, 4)
	writePhdr(1, 1, dataOff, dataLen, dataLen, 0x2|0x4 /*W|R*/, 4)
	writePhdr(2, 2 /*PT_DYNAMIC*/, dynContentOff, nDyn*dynSize, nDyn*dynSize, 0, 4)

	writeDyn := func(i int, tag int32, val uint32) {
		p := dynContentOff + uint32(i)*dynSize
		le.PutUint32(buf[p+0:p+4], uint32(tag))
		le.PutUint32(buf[p+4:p+8], val)
	}
	const (
		dtMxABI       = 0x60000000
		dtMxRAMSize   = 0x60000001
		dtMxStackSize = 0x60000002
		dtRel         = 17
		dtRelsz       = 18
		dtRelent      = 19
	)
	writeDyn(0, dtMxABI, 1)
	writeDyn(1, dtMxRAMSize, ramSize)
	writeDyn(2, dtMxStackSize, stackSize)
	writeDyn(3, dtRel, relTableOff)
	writeDyn(4, dtRelsz, 2*relSize)
	writeDyn(5, dtRelent, relSize)

	writeRel := func(i int, offset uint32) {
		p := relTableOff + uint32(i)*relSize
		le.PutUint32(buf[p+0:p+4], offset)
		le.PutUint32(buf[p+4:p+8], 23 /*R_ARM_RELATIVE*/)
	}
	// Word 0 of the data segment holds a data-segment pointer, word 1 a
	// code-segment pointer; both get relocated.
	writeRel(0, elfprogram.DataBase+0)
	writeRel(1, elfprogram.DataBase+4)

	le.PutUint32(buf[dataOff+0:dataOff+4], elfprogram.DataBase+8) // points into .data itself
	le.PutUint32(buf[dataOff+4:dataOff+8], 0x100)                 // points into code, offset 0x100 from elf base

	const elfBase = 0x08000000
	limits := elfprogram.DefaultLimits()
	ep := elfprogram.New(buf, elfBase, false, limits)
	if !ep.Valid() {
		t.Fatalf("fixture ELF failed to validate: %d", ep.ErrorCode())
	}
	return ep, elfBase
}

func TestLoadCopiesZeroesAndRelocates(t *testing.T) {
	const watermarkLen = 4
	ramSize := uint32(4096)
	stackSize := uint32(1024)

	pool, err := procpool.New(0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	// Poison the whole arena so untouched bytes are distinguishable from
	// freshly-zeroed ones.
	poison := pool.Bytes(pool.Base(), pool.Size())
	for i := range poison {
		poison[i] = 0xAA
	}

	ep, elfBase := buildRelocatableELF(t, ramSize, stackSize)

	img, err := Load(pool, ep, watermarkLen)
	if err != nil {
		t.Fatal(err)
	}

	bytes := img.Bytes()

	dataPtr := binary.LittleEndian.Uint32(bytes[0:4])
	wantDataPtr := (elfprogram.DataBase + 8) + (img.Base() - elfprogram.DataBase)
	if dataPtr != wantDataPtr {
		t.Fatalf("data-segment pointer rebased to %#x, want %#x", dataPtr, wantDataPtr)
	}

	codePtr := binary.LittleEndian.Uint32(bytes[4:8])
	wantCodePtr := uint32(0x100) + elfBase
	if codePtr != wantCodePtr {
		t.Fatalf("code-segment pointer rebased to %#x, want %#x", codePtr, wantCodePtr)
	}

	zeroFrom, zeroTo := uint32(16), img.Size()-img.MainStackSize()-watermarkLen
	for i := zeroFrom; i < zeroTo; i++ {
		if bytes[i] != 0 {
			t.Fatalf("expected byte %d to be zeroed, got %#x", i, bytes[i])
		}
	}

	for i := img.Size() - watermarkLen; i < img.Size(); i++ {
		if bytes[i] != 0xAA {
			t.Fatalf("expected watermark byte %d to be untouched, got %#x", i, bytes[i])
		}
	}
	for i := img.Size() - img.MainStackSize() - watermarkLen; i < img.Size()-watermarkLen; i++ {
		if bytes[i] != 0xAA {
			t.Fatalf("expected stack byte %d to be untouched by Load, got %#x", i, bytes[i])
		}
	}

	if img.DataBssSize() != dataLenConst {
		t.Fatalf("DataBssSize = %d, want %d", img.DataBssSize(), dataLenConst)
	}
	if img.MainStackSize() != stackSize {
		t.Fatalf("MainStackSize = %d, want %d", img.MainStackSize(), stackSize)
	}
}

const dataLenConst = 16
