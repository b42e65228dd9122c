package svcdispatch

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/argsblock"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/elfprogram"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/mpu"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procimage"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procpool"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/proctable"
)

const wordSize = uint32(4)

// Dispatcher is the per-process SVC trap handler. One Dispatcher is
// constructed per process and lives as long as it does, except that Execve
// replaces its program/image/mpu fields in place.
type Dispatcher struct {
	pool  *procpool.Pool
	cache *elfprogram.ProgramCache
	table *proctable.Processes

	limits           elfprogram.Limits
	ctxSaveAlignment uint32
	watermarkLen     uint32

	pid     int
	program *elfprogram.ElfProgram
	image   *procimage.ProcessImage
	mpu     *mpu.Configuration
	files   *FileTable
}

// New returns a Dispatcher for pid already running program/image under cfg.
func New(pool *procpool.Pool, cache *elfprogram.ProgramCache, table *proctable.Processes, pid int, program *elfprogram.ElfProgram, image *procimage.ProcessImage, cfg *mpu.Configuration, files *FileTable, limits elfprogram.Limits) *Dispatcher {
	return &Dispatcher{
		pool:             pool,
		cache:            cache,
		table:            table,
		limits:           limits,
		ctxSaveAlignment: limits.CtxSaveStackAlignment,
		watermarkLen:     limits.WatermarkLen,
		pid:              pid,
		program:          program,
		image:            image,
		mpu:              cfg,
		files:            files,
	}
}

// pathCacheKey derives a ProgramCache key from a path string; this
// in-memory file table has no real inode/device pair, so the path's own
// hash stands in for one.
func pathCacheKey(path string) elfprogram.CacheKey {
	h := fnv.New64a()
	h.Write([]byte(path))
	return elfprogram.CacheKey{Inode: h.Sum64(), Device: 1}
}

// Program, Image, and MPU expose the dispatcher's current (possibly
// execve-replaced) state.
func (d *Dispatcher) Program() *elfprogram.ElfProgram { return d.program }
func (d *Dispatcher) Image() *procimage.ProcessImage  { return d.image }
func (d *Dispatcher) MPU() *mpu.Configuration         { return d.mpu }

// Handle dispatches one trap, validating pointer arguments against the
// caller's MPU before touching them, and returns the outcome the user
// thread's main loop should act on.
func (d *Dispatcher) Handle(p *Parameters) Outcome {
	switch p.ID {
	case YIELD, USERSPACE:
		return Resume

	case OPEN:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		fd, errno := d.files.Open(name, p.Words[1])
		d.setResult(p, int32(fd), errno)
		return Resume

	case CLOSE:
		errno := d.files.Close(int(p.Words[0]))
		d.setResult(p, 0, errno)
		return Resume

	case READ:
		buf, ok := d.bytesAt(p.Words[1], p.Words[2])
		if !ok {
			return d.fault(p)
		}
		n, errno := d.files.Read(int(p.Words[0]), buf)
		d.setResult(p, int32(n), errno)
		return Resume

	case WRITE:
		buf, ok := d.bytesAt(p.Words[1], p.Words[2])
		if !ok {
			return d.fault(p)
		}
		n, errno := d.files.Write(int(p.Words[0]), buf)
		d.setResult(p, int32(n), errno)
		return Resume

	case LSEEK:
		off, errno := d.files.Seek(int(p.Words[0]), int64(int32(p.Words[1])), int(p.Words[2]))
		p.Words[0] = uint32(off)
		p.Words[1] = uint32(off >> 32)
		if errno != 0 {
			p.Words[0] = uint32(int32(errno))
		}
		return Resume

	case STAT, LSTAT:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		st, errno := d.files.StatPath(name)
		if !d.writeStat(p.Words[1], st) {
			return d.fault(p)
		}
		d.setResult(p, 0, errno)
		return Resume

	case FSTAT:
		st, errno := d.files.Stat(int(p.Words[0]))
		if !d.writeStat(p.Words[1], st) {
			return d.fault(p)
		}
		d.setResult(p, 0, errno)
		return Resume

	case FCNTL:
		switch p.Words[1] {
		case FGetFD:
			on, errno := d.files.Cloexec(int(p.Words[0]))
			result := int32(0)
			if on {
				result = int32(FDCloexec)
			}
			d.setResult(p, result, errno)
		case FSetFD:
			errno := d.files.SetCloexec(int(p.Words[0]), p.Words[2]&FDCloexec != 0)
			d.setResult(p, 0, errno)
		default:
			// Every other command (F_SETFL, F_GETFL, locking, ...) is not
			// modeled; report success with no effect rather than failing
			// every caller that probes unrelated descriptor flags.
			d.setResult(p, 0, 0)
		}
		return Resume

	case IOCTL:
		// Not modeled; report success with no effect rather than failing
		// every caller that probes device controls.
		d.setResult(p, 0, 0)
		return Resume

	case ISATTY:
		d.setResult(p, 0, 0)
		return Resume

	case GETCWD:
		cwd := d.files.Getcwd()
		if !d.writeCString(p.Words[0], p.Words[1], cwd) {
			// The errno lands in slot 1 as well, like the result.
			outcome := d.fault(p)
			p.Words[1] = p.Words[0]
			return outcome
		}
		// GETCWD's primary result lands in slot 1, not slot 0.
		p.Words[1] = p.Words[0]
		d.setResult(p, 0, 0)
		return Resume

	case CHDIR:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		d.files.Chdir(name)
		d.setResult(p, 0, 0)
		return Resume

	case GETDENTS:
		// No directory iteration in this in-memory table; report empty.
		d.setResult(p, 0, 0)
		return Resume

	case MKDIR:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		d.setResult(p, 0, d.files.Mkdir(name))
		return Resume

	case RMDIR:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		d.setResult(p, 0, d.files.Rmdir(name))
		return Resume

	case LINK, SYMLINK:
		d.setResult(p, 0, kerrno.ENOSYS)
		return Resume

	case UNLINK:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		d.setResult(p, 0, d.files.Unlink(name))
		return Resume

	case READLINK:
		d.setResult(p, 0, kerrno.ENOSYS)
		return Resume

	case TRUNCATE, FTRUNCATE:
		d.setResult(p, 0, 0)
		return Resume

	case RENAME:
		oldName, ok1 := d.readCString(p.Words[0])
		newName, ok2 := d.readCString(p.Words[1])
		if !ok1 || !ok2 {
			return d.fault(p)
		}
		content, errno := d.files.ReadAll(oldName)
		if errno != 0 {
			d.setResult(p, 0, errno)
			return Resume
		}
		d.files.Put(newName, content)
		d.files.Unlink(oldName)
		d.setResult(p, 0, 0)
		return Resume

	case CHMOD, FCHMOD, CHOWN, FCHOWN, LCHOWN, SETUID, SETGID:
		d.setResult(p, 0, 0)
		return Resume

	case GETUID, GETGID, GETEUID, GETEGID:
		d.setResult(p, 0, 0)
		return Resume

	case DUP:
		newFd, errno := d.files.Dup(int(p.Words[0]))
		d.setResult(p, int32(newFd), errno)
		return Resume

	case DUP2:
		errno := d.files.Dup2(int(p.Words[0]), int(p.Words[1]))
		d.setResult(p, int32(p.Words[1]), errno)
		return Resume

	case PIPE:
		d.setResult(p, 0, kerrno.ENOSYS)
		return Resume

	case ACCESS:
		name, ok := d.readCString(p.Words[0])
		if !ok {
			return d.fault(p)
		}
		_, errno := d.files.StatPath(name)
		d.setResult(p, 0, errno)
		return Resume

	case GETTIME:
		d.setResult(p, int32(time.Now().Unix()), 0)
		return Resume

	case SETTIME, ADJTIME:
		d.setResult(p, 0, 0)
		return Resume

	case NANOSLEEP:
		d.setResult(p, 0, 0)
		return Resume

	case GETRES:
		d.setResult(p, 0, 0)
		return Resume

	case EXIT:
		code := int(int32(p.Words[0]))
		d.files.CloseAll()
		d.table.Terminate(d.pid, (code&0xff)<<8)
		return Exit

	case EXECVE:
		return d.execve(p)

	case SPAWN:
		return d.spawn(p)

	case KILL:
		// Modeled as a forced termination of the target, not general signal
		// delivery; this kernel has no broader signal-dispatch machinery.
		d.table.Terminate(int(p.Words[0]), kerrno.SIGSYS)
		d.setResult(p, 0, 0)
		return Resume

	case WAITPID:
		targetPID := int(int32(p.Words[0]))
		nohang := p.Words[2]&1 != 0
		reapedPID, code, errno := d.table.Waitpid(d.pid, targetPID, nohang)
		if errno == 0 && reapedPID != 0 {
			if !d.writeWord(p.Words[1], uint32(code)) {
				return d.fault(p)
			}
		}
		d.setResult(p, int32(reapedPID), errno)
		return Resume

	case GETPID:
		d.setResult(p, int32(d.pid), 0)
		return Resume

	case GETPPID:
		ppid, _ := d.table.Getppid(d.pid)
		d.setResult(p, int32(ppid), 0)
		return Resume

	case MOUNT, UMOUNT, MKFS:
		d.setResult(p, 0, kerrno.ENOSYS)
		return Resume
	}

	return d.segfaultUnknown()
}

// fault handles a failed pointer-argument validation: sets -EFAULT and
// resumes, per §4.7's contract ("the dispatcher sets the return code to
// -EFAULT and returns Resume").
func (d *Dispatcher) fault(p *Parameters) Outcome {
	d.setResult(p, 0, kerrno.EFAULT)
	return Resume
}

// segfaultUnknown handles an unrecognized syscall ID: exit code becomes
// SIGSYS, outcome Segfault.
func (d *Dispatcher) segfaultUnknown() Outcome {
	return Segfault
}

func (d *Dispatcher) setResult(p *Parameters, value int32, errno kerrno.Errno) {
	if errno != 0 {
		p.Words[0] = uint32(int32(errno))
		return
	}
	p.Words[0] = uint32(value)
}

// bytesAt returns the live, writable [addr, addr+n) slice of the process's
// RW region, or ok=false if that range is not entirely inside it. Every
// in/out buffer argument in this kernel lives in process data, never in the
// (read-only) code region, so this only ever resolves against the image.
func (d *Dispatcher) bytesAt(addr, n uint32) ([]byte, bool) {
	if !d.mpu.WithinForWriting(addr, n) {
		return nil, false
	}
	off := addr - d.image.Base()
	b := d.image.Bytes()
	return b[off : off+n], true
}

// readCString validates and reads a NUL-terminated string out of the
// process's RW region. Every path/argv/envp string this kernel's syscalls
// accept lives in process data, never in the read-only code segment, so
// strings anchored in the RX region are rejected rather than mis-read.
func (d *Dispatcher) readCString(addr uint32) (string, bool) {
	rw := d.mpu.RW
	if addr < rw.Base || addr >= rw.Base+rw.Size {
		return "", false
	}
	if !d.mpu.WithinForReadingCString(addr) {
		return "", false
	}
	b := d.image.Bytes()
	off := addr - d.image.Base()
	end := off
	for b[end] != 0 {
		end++
	}
	return string(b[off:end]), true
}

func (d *Dispatcher) writeCString(addr, maxLen uint32, s string) bool {
	needed := uint32(len(s)) + 1
	if needed > maxLen {
		return false
	}
	buf, ok := d.bytesAt(addr, needed)
	if !ok {
		return false
	}
	copy(buf, s)
	buf[len(s)] = 0
	return true
}

func (d *Dispatcher) writeWord(addr uint32, v uint32) bool {
	if addr%wordSize != 0 {
		return false
	}
	buf, ok := d.bytesAt(addr, wordSize)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(buf, v)
	return true
}

// statStructSize is the size of the (size, isDir) struct stat subset this kernel writes
// back: an 8-byte size followed by a 4-byte directory flag.
const statStructSize = 12

func (d *Dispatcher) writeStat(addr uint32, st Stat) bool {
	if addr%wordSize != 0 {
		return false
	}
	buf, ok := d.bytesAt(addr, statStructSize)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(st.Size))
	isDir := uint32(0)
	if st.IsDir {
		isDir = 1
	}
	binary.LittleEndian.PutUint32(buf[8:12], isDir)
	return true
}

// execve validates path/argv/envp, builds a new ArgsBlock and ELF program,
// and on success replaces the process's image/program/mpu in place. If
// image allocation fails after the old image has already been freed, the
// process cannot be resurrected and this reports Segfault — the sharp edge
// spec.md's Open Questions calls out explicitly.
func (d *Dispatcher) execve(p *Parameters) Outcome {
	path, ok := d.readCString(p.Words[0])
	if !ok {
		return d.fault(p)
	}
	argv, envp, ok := d.readArgvEnvp(p.Words[1], p.Words[2])
	if !ok {
		return d.fault(p)
	}

	content, errno := d.files.ReadAll(path)
	if errno != 0 {
		d.setResult(p, 0, errno)
		return Resume
	}

	ab, err := argsblock.Build(argv, envp, d.ctxSaveAlignment)
	if err != nil {
		d.setResult(p, 0, kerrno.E2BIG)
		return Resume
	}

	newProgram, err := d.cache.Load(pathCacheKey(path), content, d.limits)
	if err != nil || !newProgram.Valid() {
		d.setResult(p, 0, kerrno.ENOEXEC)
		return Resume
	}

	oldImage := d.image
	oldProgram := d.program
	if err := procimage.Unload(d.pool, oldImage); err != nil {
		d.setResult(p, 0, kerrno.EFAULT)
		return Resume
	}
	d.cache.Unload(oldProgram.ElfBase())

	newImage, err := procimage.Load(d.pool, newProgram, d.watermarkLen)
	if err != nil {
		// The old image is already gone; this process cannot be safely
		// resumed. See the execve-reallocation-safety note in DESIGN.md.
		return Segfault
	}

	// The args block sits just below the watermark, above the main stack.
	abOff := newImage.Size() - d.watermarkLen - ab.Size()
	ab.RelocateTo(newImage.Bytes()[abOff:], newImage.Base()+abOff)

	d.program = newProgram
	d.image = newImage
	d.mpu = mpu.New(
		mpu.Region{Base: newProgram.ElfBase(), Size: newProgram.ElfSize()},
		mpu.Region{Base: newImage.Base(), Size: newImage.Size()},
		newProgram,
		newImage,
	)

	// §4.7: close every descriptor the caller marked close-on-exec before
	// resuming into the newly loaded image.
	d.files.CloseOnExec()

	return Execve
}

// spawn creates a new child process running the named ELF with its own
// argv/envp, without replacing the caller. Mirrors §4.6's Create sequence;
// thread creation itself belongs to the scheduler and is out of this
// package's scope, so spawn reports the new PID once the process is fully
// loaded and published to the table.
func (d *Dispatcher) spawn(p *Parameters) Outcome {
	path, ok := d.readCString(p.Words[1])
	if !ok {
		return d.fault(p)
	}
	argv, envp, ok := d.readArgvEnvp(p.Words[2], p.Words[3])
	if !ok {
		return d.fault(p)
	}

	content, errno := d.files.ReadAll(path)
	if errno != 0 {
		d.setResult(p, 0, errno)
		return Resume
	}

	program, err := d.cache.Load(pathCacheKey(path), content, d.limits)
	if err != nil || !program.Valid() {
		d.setResult(p, 0, kerrno.ENOEXEC)
		return Resume
	}

	image, err := procimage.Load(d.pool, program, d.watermarkLen)
	if err != nil {
		d.setResult(p, 0, kerrno.ENOMEM)
		return Resume
	}

	ab, err := argsblock.Build(argv, envp, d.ctxSaveAlignment)
	if err != nil {
		procimage.Unload(d.pool, image)
		d.setResult(p, 0, kerrno.E2BIG)
		return Resume
	}
	// The args block sits just below the watermark, above the main stack.
	abOff := image.Size() - d.watermarkLen - ab.Size()
	ab.RelocateTo(image.Bytes()[abOff:], image.Base()+abOff)

	childPID, _ := d.table.Create(d.pid, program, image)

	if p.Words[0] != 0 {
		if !d.writeWord(p.Words[0], uint32(childPID)) {
			return d.fault(p)
		}
	}
	d.setResult(p, int32(childPID), 0)
	return Resume
}

// readArgvEnvp validates argv and envp as NULL-terminated arrays of
// C-strings per §4.4, then materializes them into Go strings.
func (d *Dispatcher) readArgvEnvp(argvAddr, envpAddr uint32) (argv, envp []string, ok bool) {
	readWord := func(addr uint32) (uint32, bool) {
		if !d.mpu.WithinForReading(addr, wordSize) {
			return 0, false
		}
		b := d.image.Bytes()
		off := addr - d.image.Base()
		return binary.LittleEndian.Uint32(b[off : off+4]), true
	}

	argv = collectStrings(d, argvAddr, readWord)
	if argv == nil && argvAddr != 0 {
		return nil, nil, false
	}
	envp = collectStrings(d, envpAddr, readWord)
	if envp == nil && envpAddr != 0 {
		return nil, nil, false
	}
	return argv, envp, true
}

// collectStrings walks a NULL-terminated pointer array at base, validating
// and reading each string in turn. Returns nil (distinct from an empty,
// non-nil slice) on the first validation failure.
func collectStrings(d *Dispatcher, base uint32, readWord func(uint32) (uint32, bool)) []string {
	if base == 0 {
		return []string{}
	}
	var out []string
	for i := 0; ; i++ {
		slot := base + uint32(i)*wordSize
		if !d.mpu.WithinForReading(slot, wordSize) {
			return nil
		}
		ptr, ok := readWord(slot)
		if !ok {
			return nil
		}
		if ptr == 0 {
			if out == nil {
				out = []string{}
			}
			return out
		}
		s, ok := d.readCString(ptr)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
}
