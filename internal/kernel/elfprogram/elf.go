// Package elfprogram implements the ELF32/ARM "full recognition before
// processing" validator: an executable is either rejected outright or fully
// checked, so the loader that follows never has to guard against malformed
// input mid-parse.
package elfprogram

import (
	"encoding/binary"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
)

const (
	eiNident = 16

	// By convention the data segment's virtual base in the ELF's own
	// address space; the loader rewrites references to it per instance.
	DataBase uint32 = 0x40000000
)

// e_type
const etExec = 2

// e_machine
const emARM = 0x28

// e_version
const evCurrent = 1

// e_flags
const (
	efARMEABIMask = 0xff000000
	efARMEABIVer5 = 0x05000000
	efARMVFPFloat = 0x00000400
)

// p_type
const (
	ptLoad    = 1
	ptDynamic = 2
)

// p_flags
const (
	pfX = 0x1
	pfW = 0x2
	pfR = 0x4
)

// d_tag: standard
const (
	dtNull    = 0
	dtRel     = 17
	dtRelsz   = 18
	dtRelent  = 19
	dtRela    = 7
	dtRelasz  = 8
	dtRelaent = 9
)

// d_tag: this ABI's own tags, placed just below the OS-specific range
// (DT_LOOS..DT_HIOS is 0x6000000d..0x6ffff000).
const (
	dtMxABI       = 0x60000000
	dtMxRAMSize   = 0x60000001
	dtMxStackSize = 0x60000002

	dvMxABIV1 = 1
)

// r_info low byte
const (
	rARMNone     = 0
	rARMRelative = 23
)

// Size limits. These are host-simulation stand-ins for the board-specific
// constants of the original kernel (MAX_PROCESS_IMAGE_SIZE,
// MIN_PROCESS_STACK_SIZE, WATERMARK_LEN, CTXSAVE_STACK_ALIGNMENT); real
// values depend on the target's RAM size. They are not read from
// internal/config; callers pass DefaultLimits(). These defaults size a useful
// host simulation.
const (
	DefaultMaxProcessImageSize  = 512 * 1024
	DefaultMinProcessStackSize  = 1 * 1024
	DefaultWatermarkLen         = 4
	DefaultCtxSaveStackAlignment = 8
)

const (
	ehdrSize = 52 // sizeof(Elf32_Ehdr), packed
	phdrSize = 32 // sizeof(Elf32_Phdr), packed
	dynSize  = 8  // sizeof(Elf32_Dyn), packed
	relSize  = 8  // sizeof(Elf32_Rel), packed
)

// ehdr is the decoded content of an Elf32_Ehdr; field names and meaning
// follow the ELF32 ABI.
type ehdr struct {
	ident     [eiNident]byte
	eType     uint16
	eMachine  uint16
	eVersion  uint32
	eEntry    uint32
	ePhoff    uint32
	eShoff    uint32
	eFlags    uint32
	eEhsize   uint16
	ePhentsize uint16
	ePhnum    uint16
	eShentsize uint16
	eShnum    uint16
	eShstrndx uint16
}

func decodeEhdr(b []byte) ehdr {
	var h ehdr
	copy(h.ident[:], b[0:eiNident])
	h.eType = binary.LittleEndian.Uint16(b[16:18])
	h.eMachine = binary.LittleEndian.Uint16(b[18:20])
	h.eVersion = binary.LittleEndian.Uint32(b[20:24])
	h.eEntry = binary.LittleEndian.Uint32(b[24:28])
	h.ePhoff = binary.LittleEndian.Uint32(b[28:32])
	h.eShoff = binary.LittleEndian.Uint32(b[32:36])
	h.eFlags = binary.LittleEndian.Uint32(b[36:40])
	h.eEhsize = binary.LittleEndian.Uint16(b[40:42])
	h.ePhentsize = binary.LittleEndian.Uint16(b[42:44])
	h.ePhnum = binary.LittleEndian.Uint16(b[44:46])
	h.eShentsize = binary.LittleEndian.Uint16(b[46:48])
	h.eShnum = binary.LittleEndian.Uint16(b[48:50])
	h.eShstrndx = binary.LittleEndian.Uint16(b[50:52])
	return h
}

type phdr struct {
	pType   uint32
	pOffset uint32
	pVaddr  uint32
	pPaddr  uint32
	pFilesz uint32
	pMemsz  uint32
	pFlags  uint32
	pAlign  uint32
}

func decodePhdr(b []byte) phdr {
	return phdr{
		pType:   binary.LittleEndian.Uint32(b[0:4]),
		pOffset: binary.LittleEndian.Uint32(b[4:8]),
		pVaddr:  binary.LittleEndian.Uint32(b[8:12]),
		pPaddr:  binary.LittleEndian.Uint32(b[12:16]),
		pFilesz: binary.LittleEndian.Uint32(b[16:20]),
		pMemsz:  binary.LittleEndian.Uint32(b[20:24]),
		pFlags:  binary.LittleEndian.Uint32(b[24:28]),
		pAlign:  binary.LittleEndian.Uint32(b[28:32]),
	}
}

type dyn struct {
	tag int32
	val uint32
}

func decodeDyn(b []byte) dyn {
	return dyn{
		tag: int32(binary.LittleEndian.Uint32(b[0:4])),
		val: binary.LittleEndian.Uint32(b[4:8]),
	}
}

type rel struct {
	rOffset uint32
	rInfo   uint32
}

func decodeRel(b []byte) rel {
	return rel{
		rOffset: binary.LittleEndian.Uint32(b[0:4]),
		rInfo:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (r rel) relType() uint32 { return r.rInfo & 0xff }

// ElfProgram is a validated (or rejected) in-memory ELF32/ARM executable.
// The zero value is not usable; construct with New or via a ProgramCache.
type ElfProgram struct {
	bytes       []byte
	base        uint32 // elfBase: address the raw bytes live at
	errorCode   kerrno.Errno
	copiedInRAM bool

	limits Limits

	// Populated by validateDynamicSegment on success; meaningless if
	// !Valid().
	ramSize             uint32
	stackSize           uint32
	dataSegmentSize     uint32
	relOffset           uint32
	relSize             uint32
	hasRelocs           bool
}

// Limits carries the board-specific constants the validator checks
// segment/stack/ram sizes against. Not read from internal/config;
// DefaultLimits gives sane host-simulation values.
type Limits struct {
	MaxProcessImageSize  uint32
	MinProcessStackSize  uint32
	WatermarkLen         uint32
	CtxSaveStackAlignment uint32
}

// DefaultLimits returns the host-simulation defaults used when no board
// configuration overrides them.
func DefaultLimits() Limits {
	return Limits{
		MaxProcessImageSize:  DefaultMaxProcessImageSize,
		MinProcessStackSize:  DefaultMinProcessStackSize,
		WatermarkLen:         DefaultWatermarkLen,
		CtxSaveStackAlignment: DefaultCtxSaveStackAlignment,
	}
}

// New validates raw ELF bytes already mapped at base (XIP: base is the
// flash address; non-XIP: base is a Process Pool block the caller already
// copied the file into). copiedInRAM records whether the caller owns that
// block and must free it when this ElfProgram is discarded — New itself
// never allocates.
func New(elf []byte, base uint32, copiedInRAM bool, limits Limits) *ElfProgram {
	ep := &ElfProgram{bytes: elf, base: base, copiedInRAM: copiedInRAM, errorCode: kerrno.ENOEXEC, limits: limits}
	ep.errorCode = validateHeader(ep)
	return ep
}

// ErrorCode returns 0 on a valid ELF, else the negative error code recorded
// during validation.
func (e *ElfProgram) ErrorCode() kerrno.Errno { return e.errorCode }

// Valid reports whether ErrorCode() == 0.
func (e *ElfProgram) Valid() bool { return e.errorCode == 0 }

// IsCopiedInRAM reports whether the ELF bytes live in a Process Pool block
// owned by this ElfProgram (as opposed to XIP flash).
func (e *ElfProgram) IsCopiedInRAM() bool { return e.copiedInRAM }

// ElfBase returns the address the raw ELF bytes are mapped at.
func (e *ElfProgram) ElfBase() uint32 { return e.base }

// ElfSize returns the size in bytes of the raw ELF content.
func (e *ElfProgram) ElfSize() uint32 { return uint32(len(e.bytes)) }

// EntryPoint returns the already-relocated entry point (ElfBase + e_entry).
// Only meaningful when Valid().
func (e *ElfProgram) EntryPoint() uint32 {
	h := decodeEhdr(e.bytes)
	return e.base + h.eEntry
}

func (e *ElfProgram) ehdr() ehdr { return decodeEhdr(e.bytes) }

func (e *ElfProgram) phdrAt(i int) phdr {
	h := e.ehdr()
	off := h.ePhoff + uint32(i)*phdrSize
	return decodePhdr(e.bytes[off : off+phdrSize])
}

// NumProgramHeaders returns e_phnum.
func (e *ElfProgram) NumProgramHeaders() int {
	return int(e.ehdr().ePhnum)
}

// RAMSize returns DT_MX_RAMSIZE. Only meaningful when Valid().
func (e *ElfProgram) RAMSize() uint32 { return e.ramSize }

// MainStackSize returns DT_MX_STACKSIZE. Only meaningful when Valid().
func (e *ElfProgram) MainStackSize() uint32 { return e.stackSize }

// DataSegmentSize returns the writable LOAD segment's p_memsz. Only
// meaningful when Valid().
func (e *ElfProgram) DataSegmentSize() uint32 { return e.dataSegmentSize }

// HasRelocations reports whether the DYNAMIC segment carried a
// DT_REL/DT_RELSZ/DT_RELENT triple.
func (e *ElfProgram) HasRelocations() bool { return e.hasRelocs }

// DataSegment returns the writable (R, optionally W, never X) LOAD segment,
// and whether one was found. Only meaningful when Valid(), which guarantees
// at most one such segment exists.
func (e *ElfProgram) DataSegment() (offset, filesz, memsz uint32, ok bool) {
	h := e.ehdr()
	for i := 0; i < int(h.ePhnum); i++ {
		ph := e.phdrAt(i)
		if ph.pType == ptLoad && ph.pFlags&pfW != 0 && ph.pFlags&pfX == 0 {
			return ph.pOffset, ph.pFilesz, ph.pMemsz, true
		}
	}
	return 0, 0, 0, false
}

// CodeSegment returns the executable LOAD segment. Valid() guarantees
// exactly one exists.
func (e *ElfProgram) CodeSegment() (offset, filesz uint32, ok bool) {
	h := e.ehdr()
	for i := 0; i < int(h.ePhnum); i++ {
		ph := e.phdrAt(i)
		if ph.pType == ptLoad && ph.pFlags&pfX != 0 {
			return ph.pOffset, ph.pFilesz, true
		}
	}
	return 0, 0, false
}

// Relocations returns each R_ARM_RELATIVE entry's r_offset. Validation
// already guarantees every entry is either R_ARM_NONE (skipped here) or
// R_ARM_RELATIVE inside the data segment's virtual range and 4-byte
// aligned, so the loader can apply them without re-checking.
func (e *ElfProgram) Relocations() []uint32 {
	if !e.hasRelocs {
		return nil
	}
	n := int(e.relSize / relSize)
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		off := e.relOffset + uint32(i)*relSize
		r := decodeRel(e.bytes[off : off+relSize])
		if r.relType() == rARMRelative {
			out = append(out, r.rOffset)
		}
	}
	return out
}

// ReadAt returns the n bytes at file offset off. Callers only ever pass
// offsets Valid() has already bounds-checked.
func (e *ElfProgram) ReadAt(off, n uint32) []byte {
	return e.bytes[off : off+n]
}

// ReadByte reads one byte at absolute address addr (ElfBase()-relative),
// satisfying mpu.Reader so the code (RX) region of an MPU Configuration can
// scan C strings and validate struct pointers directly against the raw ELF
// bytes, whether they live in XIP flash or a Process Pool block.
func (e *ElfProgram) ReadByte(addr uint32) byte {
	return e.bytes[addr-e.base]
}
