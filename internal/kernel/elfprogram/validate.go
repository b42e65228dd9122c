package elfprogram

import "github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"

func isUnaligned(x, alignment uint32) bool {
	return x&(alignment-1) != 0
}

var validAlignments = map[uint32]bool{
	0: true, 1: true, 2: true, 4: true, 8: true, 16: true, 32: true, 64: true,
}

// validateHeader runs the full "recognize before processing" pass: ELF
// header, program header table, and (for the one allowed DYNAMIC segment)
// the dynamic tags and relocation table. It never partially trusts a file —
// every field later code reads here is checked in this pass, following
// http://www.cs.dartmouth.edu/~sergey/langsec/occupy/FullRecognition.jpg.
func validateHeader(e *ElfProgram) kerrno.Errno {
	if isUnaligned(e.base, 8) {
		return kerrno.ENOEXEC
	}
	if len(e.bytes) < ehdrSize {
		return kerrno.ENOEXEC
	}
	h := e.ehdr()

	magic := [7]byte{0x7f, 'E', 'L', 'F', 1, 1, 1}
	for i, b := range magic {
		if h.ident[i] != b {
			return kerrno.ENOEXEC
		}
	}
	if h.eType != etExec {
		return kerrno.ENOEXEC
	}
	if h.eMachine != emARM {
		return kerrno.ENOEXEC
	}
	if h.eVersion != evCurrent {
		return kerrno.ENOEXEC
	}
	size := uint32(len(e.bytes))
	if h.eEntry >= size {
		return kerrno.ENOEXEC
	}
	if h.ePhoff >= size-phdrSize {
		return kerrno.ENOEXEC
	}
	if isUnaligned(h.ePhoff, 4) {
		return kerrno.ENOEXEC
	}
	if h.eFlags&efARMEABIMask != efARMEABIVer5 {
		return kerrno.ENOEXEC
	}
	if h.eFlags&efARMVFPFloat != 0 {
		// This build targets a core without a hardware FPU; a binary built
		// with hard-float ABI can never run here.
		return kerrno.ENOEXEC
	}
	if h.eEhsize != ehdrSize {
		return kerrno.ENOEXEC
	}
	if h.ePhentsize != phdrSize {
		return kerrno.ENOEXEC
	}
	if h.ePhnum > 20 {
		return kerrno.ENOEXEC
	}
	if h.ePhoff+uint32(h.ePhnum)*phdrSize > size {
		return kerrno.ENOEXEC
	}

	var codePresent, dataPresent, dynPresent bool
	var dataSegmentSize uint32

	for i := 0; i < int(h.ePhnum); i++ {
		ph := e.phdrAt(i)

		if ph.pOffset >= size || ph.pFilesz >= size || ph.pOffset+ph.pFilesz > size {
			return kerrno.ENOEXEC
		}
		if !validAlignments[ph.pAlign] {
			return kerrno.ENOEXEC
		}
		if ph.pAlign > 1 && isUnaligned(ph.pOffset, ph.pAlign) {
			return kerrno.ENOEXEC
		}

		switch ph.pType {
		case ptLoad:
			if ph.pFlags&^(pfR|pfW|pfX) != 0 {
				return kerrno.ENOEXEC
			}
			if ph.pFlags&pfR == 0 {
				return kerrno.ENOEXEC
			}
			if ph.pFlags&pfW != 0 && ph.pFlags&pfX != 0 {
				return kerrno.ENOEXEC
			}
			if ph.pFlags&pfX != 0 {
				if codePresent {
					return kerrno.ENOEXEC
				}
				codePresent = true
				if h.eEntry < ph.pOffset || h.eEntry > ph.pOffset+ph.pFilesz || ph.pFilesz != ph.pMemsz {
					return kerrno.ENOEXEC
				}
			}
			if ph.pFlags&pfW != 0 && ph.pFlags&pfX == 0 {
				if dataPresent {
					return kerrno.ENOEXEC
				}
				dataPresent = true
				if ph.pMemsz < ph.pFilesz {
					return kerrno.ENOEXEC
				}
				maxSize := e.limits.MaxProcessImageSize - e.limits.MinProcessStackSize
				if ph.pMemsz >= maxSize {
					return kerrno.ENOEXEC
				}
				dataSegmentSize = ph.pMemsz
			}
		case ptDynamic:
			if dynPresent {
				return kerrno.ENOEXEC
			}
			dynPresent = true
			if !dataPresent {
				return kerrno.ENOEXEC
			}
			if ph.pAlign < 4 {
				return kerrno.ENOEXEC
			}
			if !validateDynamicSegment(e, ph, dataSegmentSize) {
				return kerrno.ENOEXEC
			}
		}
	}

	if !codePresent {
		return kerrno.ENOEXEC
	}
	return 0
}

func validateDynamicSegment(e *ElfProgram, dynamic phdr, dataSegmentSize uint32) bool {
	size := uint32(len(e.bytes))
	n := int(dynamic.pMemsz / dynSize)

	var dtRelVal, dtRelszVal uint32
	var hasRelocs uint32
	miosixTagFound := false
	var ramSize, stackSize uint32

	for i := 0; i < n; i++ {
		off := dynamic.pOffset + uint32(i)*dynSize
		d := decodeDyn(e.bytes[off : off+dynSize])
		switch d.tag {
		case dtRel:
			hasRelocs |= 0x1
			dtRelVal = d.val
		case dtRelsz:
			hasRelocs |= 0x2
			dtRelszVal = d.val
		case dtRelent:
			hasRelocs |= 0x4
			if d.val != relSize {
				return false
			}
		case dtMxABI:
			if d.val == dvMxABIV1 {
				miosixTagFound = true
			} else {
				return false
			}
		case dtMxRAMSize:
			ramSize = d.val
		case dtMxStackSize:
			stackSize = d.val
		case dtRela, dtRelasz, dtRelaent:
			return false
		}
	}

	if !miosixTagFound {
		return false
	}
	if stackSize < e.limits.MinProcessStackSize {
		return false
	}
	if ramSize > e.limits.MaxProcessImageSize {
		return false
	}
	if isUnaligned(stackSize, e.limits.CtxSaveStackAlignment) ||
		ramSize&0x3 != 0 ||
		stackSize > e.limits.MaxProcessImageSize ||
		dataSegmentSize > e.limits.MaxProcessImageSize ||
		dataSegmentSize+stackSize+e.limits.WatermarkLen > ramSize {
		return false
	}

	if hasRelocs != 0 && hasRelocs != 0x7 {
		return false
	}
	if hasRelocs != 0 {
		if dtRelVal >= size || dtRelszVal >= size || dtRelVal+dtRelszVal > size {
			return false
		}
		if isUnaligned(dtRelVal, 4) {
			return false
		}
		relCount := int(dtRelszVal / relSize)
		for i := 0; i < relCount; i++ {
			off := dtRelVal + uint32(i)*relSize
			r := decodeRel(e.bytes[off : off+relSize])
			switch r.relType() {
			case rARMNone:
			case rARMRelative:
				if r.rOffset < DataBase || r.rOffset > DataBase+dataSegmentSize-4 {
					return false
				}
				if isUnaligned(r.rOffset, 4) {
					return false
				}
			default:
				return false
			}
		}
	}

	e.ramSize = ramSize
	e.stackSize = stackSize
	e.dataSegmentSize = dataSegmentSize
	e.relOffset = dtRelVal
	e.relSize = dtRelszVal
	e.hasRelocs = hasRelocs != 0
	return true
}
