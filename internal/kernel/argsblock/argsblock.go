// Package argsblock captures argv/envp at syscall entry, while they are
// still readable under the calling process's MPU, into a self-contained
// buffer that the Process Table can later copy into a freshly loaded
// process's image and relocate there.
package argsblock

import (
	"encoding/binary"
	"errors"
)

const wordSize = uint32(4)

// MaxArgsBlockSize bounds the packed size of one Argument Block, including
// tail alignment padding. A host-simulation stand-in for the board-specific
// constant of the same name; real boards size this from available RAM.
const MaxArgsBlockSize = 4096

// ErrArgListTooLong is reported when the packed block, including its tail
// padding, would exceed MaxArgsBlockSize.
var ErrArgListTooLong = errors.New("argsblock: argument list too long")

// ArgsBlock is argv and envp packed into one buffer: (narg+1) pointer slots,
// then (nenv+1) pointer slots, then the concatenated NUL-terminated strings
// those pointers name, then zeroed padding out to a context-save-aligned
// size. Pointers are stored relative to the block's own start until
// RelocateTo rewrites them to a real destination address.
type ArgsBlock struct {
	buf  []byte
	narg int
	nenv int

	// argvOff/envpOff are byte offsets within buf of the first pointer slot
	// of each array; both are always 0 and narg+1 wordSize respectively, but
	// named here for readability at call sites.
	argvOff uint32
	envpOff uint32
}

// Build packs argv and envp into a new ArgsBlock, padding the total size up
// to a multiple of ctxSaveAlignment. Pointer slots are filled with
// self-relative offsets (offset from the block's own start) rather than
// real addresses; RelocateTo converts them once the destination is known.
func Build(argv, envp []string, ctxSaveAlignment uint32) (*ArgsBlock, error) {
	narg := len(argv)
	nenv := len(envp)

	argvSlots := uint32(narg+1) * wordSize
	envpSlots := uint32(nenv+1) * wordSize

	stringsOff := argvSlots + envpSlots
	stringsLen := uint32(0)
	for _, s := range argv {
		stringsLen += uint32(len(s)) + 1
	}
	for _, s := range envp {
		stringsLen += uint32(len(s)) + 1
	}

	rawSize := stringsOff + stringsLen
	paddedSize := roundUp(rawSize, ctxSaveAlignment)
	if paddedSize > MaxArgsBlockSize {
		return nil, ErrArgListTooLong
	}

	buf := make([]byte, paddedSize)

	strPos := stringsOff
	writeArray := func(slotOff uint32, items []string) {
		for i, s := range items {
			binary.LittleEndian.PutUint32(buf[slotOff+uint32(i)*wordSize:], strPos)
			copy(buf[strPos:], s)
			buf[strPos+uint32(len(s))] = 0
			strPos += uint32(len(s)) + 1
		}
		// Null-terminate the pointer array itself.
		binary.LittleEndian.PutUint32(buf[slotOff+uint32(len(items))*wordSize:], 0)
	}
	writeArray(0, argv)
	writeArray(argvSlots, envp)

	return &ArgsBlock{
		buf:     buf,
		narg:    narg,
		nenv:    nenv,
		argvOff: 0,
		envpOff: argvSlots,
	}, nil
}

// Size returns the total packed, padded size of the block.
func (a *ArgsBlock) Size() uint32 { return uint32(len(a.buf)) }

// Narg returns the argument count.
func (a *ArgsBlock) Narg() int { return a.narg }

// Nenv returns the environment variable count.
func (a *ArgsBlock) Nenv() int { return a.nenv }

// ArgvOffset and EnvpOffset return the byte offset, within the block, of the
// first pointer slot of each array.
func (a *ArgsBlock) ArgvOffset() uint32 { return a.argvOff }
func (a *ArgsBlock) EnvpOffset() uint32 { return a.envpOff }

// RelocateTo copies the block's bytes into dest (which must be at least
// Size() bytes long) and rewrites every non-null pointer-array element so it
// points into dest's own string area instead of the block's own buffer.
// Before the first call, slot values are offsets relative to the block's own
// start (effectively sourceBase == 0); calling RelocateTo a second time on
// the same ArgsBlock would double-rebase, so a block is relocated at most
// once in its lifetime.
func (a *ArgsBlock) RelocateTo(dest []byte, destAddr uint32) {
	copy(dest, a.buf)
	rebase := func(slotOff uint32, count int) {
		for i := 0; i < count; i++ {
			p := slotOff + uint32(i)*wordSize
			v := binary.LittleEndian.Uint32(dest[p : p+4])
			if v == 0 {
				continue
			}
			binary.LittleEndian.PutUint32(dest[p:p+4], v+destAddr)
		}
	}
	rebase(a.argvOff, a.narg)
	rebase(a.envpOff, a.nenv)
}

func roundUp(n, alignment uint32) uint32 {
	if alignment == 0 {
		return n
	}
	rem := n % alignment
	if rem == 0 {
		return n
	}
	return n + (alignment - rem)
}
