// Package procimage materializes a validated ELF into a fresh Process Pool
// block: copies the writable segment, zeroes the tail to stop data leaking
// between tenants of a freed block, and applies position-independent
// relocations so the same ELF bytes can run at any pool address.
package procimage

import (
	"encoding/binary"
	"errors"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/elfprogram"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procpool"
)

// ErrNoDataSegment is returned by Load for an ELF with no writable LOAD
// segment; a valid ElfProgram always has exactly one, so this only fires
// if Load is handed an ElfProgram that never passed validation.
var ErrNoDataSegment = errors.New("procimage: elf has no writable segment")

// ProcessImage is the runtime RAM footprint of one process: a single
// power-of-two Process Pool block laid out, low to high, as
// .data | .bss | heap growth region | main stack | argv/envp block | watermark.
// Load fills in everything up to the main stack; the Argument Block and
// watermark fill are the caller's job (they depend on state ProcessImage
// does not know about: the packed args and the watermark fill constant).
type ProcessImage struct {
	pool          *procpool.Pool
	base          uint32
	size          uint32
	mainStackSize uint32
	dataBssSize   uint32
}

// Base returns the image's base address in the Process Pool.
func (p *ProcessImage) Base() uint32 { return p.base }

// Size returns the total allocated image size (a power of two, possibly
// larger than DT_MX_RAMSIZE after pool rounding).
func (p *ProcessImage) Size() uint32 { return p.size }

// MainStackSize returns DT_MX_STACKSIZE, excluding the watermark.
func (p *ProcessImage) MainStackSize() uint32 { return p.mainStackSize }

// DataBssSize returns the combined size of .data and .bss.
func (p *ProcessImage) DataBssSize() uint32 { return p.dataBssSize }

// Bytes returns the live backing slice for the whole image.
func (p *ProcessImage) Bytes() []byte {
	return p.pool.Bytes(uintptr(p.base), uintptr(p.size))
}

// ReadByte reads one byte at absolute address addr (Base()-relative),
// satisfying mpu.Reader so the data (RW) region of an MPU Configuration can
// scan C strings and validate struct pointers directly against the image.
func (p *ProcessImage) ReadByte(addr uint32) byte {
	return p.Bytes()[addr-p.base]
}

// Load allocates a Process Pool block sized to program's DT_MX_RAMSIZE and
// materializes program into it: copies .data, zero-fills the rest of the
// region (except the tail reserved for the main stack and watermark), and
// applies every R_ARM_RELATIVE relocation. program must already be Valid();
// Load does not re-validate it.
func Load(pool *procpool.Pool, program *elfprogram.ElfProgram, watermarkLen uint32) (*ProcessImage, error) {
	dataOff, dataFilesz, dataMemsz, ok := program.DataSegment()
	if !ok {
		return nil, ErrNoDataSegment
	}

	addr, size, err := pool.Allocate(uintptr(program.RAMSize()))
	if err != nil {
		return nil, err
	}

	img := &ProcessImage{
		pool:          pool,
		base:          uint32(addr),
		size:          uint32(size),
		mainStackSize: program.MainStackSize(),
		dataBssSize:   dataMemsz,
	}

	bytes := img.Bytes()
	copy(bytes[:dataFilesz], program.ReadAt(dataOff, dataFilesz))

	zeroFrom := dataFilesz
	zeroTo := img.size - img.mainStackSize - watermarkLen
	for i := zeroFrom; i < zeroTo; i++ {
		bytes[i] = 0
	}

	elfBase := program.ElfBase()
	ramBase := img.base
	for _, rOffset := range program.Relocations() {
		wordIdx := (rOffset - elfprogram.DataBase) / 4
		byteOff := wordIdx * 4
		word := binary.LittleEndian.Uint32(bytes[byteOff : byteOff+4])
		if word >= elfprogram.DataBase {
			word += ramBase - elfprogram.DataBase
		} else {
			word += elfBase
		}
		binary.LittleEndian.PutUint32(bytes[byteOff:byteOff+4], word)
	}

	return img, nil
}

// Unload returns the image's block to the pool. Callers must not use img
// afterward.
func Unload(pool *procpool.Pool, img *ProcessImage) error {
	return pool.Deallocate(uintptr(img.base))
}
