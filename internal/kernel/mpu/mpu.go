// Package mpu models the Memory Protection Unit configuration of one
// process: two address ranges (a read/execute region over its ELF code, a
// read/write region over its Process Image) and the pointer-validation
// checks the Syscall Dispatcher runs against them before ever dereferencing
// a user-supplied argument.
//
// There is no real ARMv7-M MPU behind this package — region programming
// into hardware registers is board bring-up, out of scope here — but the
// region math and the validation contract are exactly what a real MPU
// driver would be handed.
package mpu

import "math/bits"

// Region is a [Base, Base+Size) byte range.
type Region struct {
	Base uint32
	Size uint32
}

func (r Region) contains(p, n uint32) bool {
	if n == 0 {
		return p >= r.Base && p <= r.Base+r.Size
	}
	if n > r.Size {
		return false
	}
	end := r.Base + r.Size
	return p >= r.Base && p <= end-n
}

// Reader gives byte-level access to whichever backing store a region maps
// to (a Process Pool block for RW, a pool block or XIP flash for RX),
// needed only by the C-string scanning variant of WithinForReading.
type Reader interface {
	ReadByte(addr uint32) byte
}

// Configuration is the MPU state of one process: its code (RX) region and
// its image (RW) region.
type Configuration struct {
	RX     Region
	RW     Region
	rxRead Reader
	rwRead Reader
}

// New builds a Configuration over the given RX (code) and RW (image)
// regions. rxRead/rwRead back the C-string scanning variant of
// WithinForReading; pass nil if the configuration is only ever used for
// the (p, n) range form.
func New(rx, rw Region, rxRead, rwRead Reader) *Configuration {
	return &Configuration{RX: rx, RW: rw, rxRead: rxRead, rwRead: rwRead}
}

// WithinForReading reports whether [p, p+n) lies entirely within either the
// RX or RW region.
func (c *Configuration) WithinForReading(p, n uint32) bool {
	return c.RX.contains(p, n) || c.RW.contains(p, n)
}

// WithinForWriting reports whether [p, p+n) lies entirely within the RW
// region; code is never writable.
func (c *Configuration) WithinForWriting(p, n uint32) bool {
	return c.RW.contains(p, n)
}

// WithinForReadingCString reports whether a NUL-terminated C string
// starting at p can be read without ever touching an address outside the
// permitted regions. It stops as soon as it finds the terminator or leaves
// both regions, whichever comes first — it never reads past the region
// boundary even to look for a NUL one byte past it.
func (c *Configuration) WithinForReadingCString(p uint32) bool {
	reader, region := c.regionFor(p)
	if reader == nil {
		return false
	}
	for addr := p; ; addr++ {
		if !region.contains(addr, 1) {
			return false
		}
		if reader.ReadByte(addr) == 0 {
			return true
		}
	}
}

func (c *Configuration) regionFor(p uint32) (Reader, Region) {
	if c.RX.contains(p, 1) {
		return c.rxRead, c.RX
	}
	if c.RW.contains(p, 1) {
		return c.rwRead, c.RW
	}
	return nil, Region{}
}

// RoundRegionForMPU returns the smallest power-of-two-sized, self-aligned
// region that covers [base, base+size). A real MPU region must be a power
// of two in size and aligned to that size; an XIP ELF's actual base/size
// rarely satisfy this, so the rounded region may grant read access to a few
// extra bytes beyond the file. Since the region stays read-only, this only
// costs confidentiality of a handful of neighboring flash bytes, not
// integrity — an accepted trade-off, not a bug.
func RoundRegionForMPU(base, size uint32) (uint32, uint32) {
	roundedSize := roundUpPow2(size)
	roundedBase := base - (base % roundedSize)
	// The rounded-down base might no longer cover the original end; grow
	// once more if so.
	for roundedBase+roundedSize < base+size {
		roundedSize *= 2
		roundedBase = base - (base % roundedSize)
	}
	return roundedBase, roundedSize
}

func roundUpPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len32(n)
}

