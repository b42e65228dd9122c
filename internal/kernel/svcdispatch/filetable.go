package svcdispatch

import (
	"sync"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
)

// Stat is the subset of struct stat fields the in-memory FileTable reports;
// fields a real filesystem would also fill (mode bits, timestamps, uid/gid)
// are left at zero since nothing downstream of this dispatcher inspects
// them.
type Stat struct {
	Size  int64
	IsDir bool
}

// inMemoryFile is the backing content for one named entry in the FileTable.
type inMemoryFile struct {
	name  string
	data  []byte
	isDir bool
}

// openFile is one open-file-description: a cursor and a reference to the
// named entry it was opened against. Two descriptors opened from the same
// name share cursors only if dup'd from one another, matching POSIX.
type openFile struct {
	file    *inMemoryFile
	offset  int64
	closed  bool
	cloexec bool
}

// FileTable is a minimal in-memory stand-in for a real VFS: just enough
// state (named byte blobs, open-file descriptors with independent cursors)
// to make the dispatcher's validate-then-call syscall bodies observable and
// testable. It is explicitly not a filesystem implementation.
type FileTable struct {
	mu      sync.Mutex
	entries map[string]*inMemoryFile
	fds     map[int]*openFile
	nextFd  int
	cwd     string
}

// NewFileTable returns an empty table rooted at "/".
func NewFileTable() *FileTable {
	return &FileTable{
		entries: make(map[string]*inMemoryFile),
		fds:     make(map[int]*openFile),
		nextFd:  3, // 0/1/2 are reserved for stdio by convention
		cwd:     "/",
	}
}

// Clone returns an independent FileTable pre-populated with a COPY of every
// currently open descriptor, the shape a forked/spawned child's file table
// takes per §4.6 step 1 ("copies parent's file-descriptor table").
func (t *FileTable) Clone() *FileTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := NewFileTable()
	clone.cwd = t.cwd
	for k, v := range t.entries {
		clone.entries[k] = v
	}
	for fd, of := range t.fds {
		clone.fds[fd] = &openFile{file: of.file, offset: of.offset, closed: of.closed, cloexec: of.cloexec}
		if fd >= clone.nextFd {
			clone.nextFd = fd + 1
		}
	}
	return clone
}

// Open creates the named entry if it does not exist (mirroring O_CREAT
// always being implied, since this table has no permission model) and
// returns a fresh descriptor for it. flags is the OPEN syscall's raw flags
// word; only OCloexec is currently consulted, marking the returned
// descriptor so a later execve's CloseOnExec sweep closes it.
func (t *FileTable) Open(name string, flags uint32) (fd int, errno kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[name]
	if !ok {
		f = &inMemoryFile{name: name}
		t.entries[name] = f
	}
	fd = t.nextFd
	t.nextFd++
	t.fds[fd] = &openFile{file: f, cloexec: flags&OCloexec != 0}
	return fd, 0
}

// SetCloexec sets or clears fd's close-on-exec bit, for FCNTL's F_SETFD.
func (t *FileTable) SetCloexec(fd int, on bool) kerrno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return kerrno.EBADF
	}
	of.cloexec = on
	return 0
}

// Cloexec reports fd's close-on-exec bit, for FCNTL's F_GETFD.
func (t *FileTable) Cloexec(fd int) (bool, kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return false, kerrno.EBADF
	}
	return of.cloexec, 0
}

// CloseOnExec closes every descriptor marked close-on-exec, run by execve
// after a successful image reload (§4.7) — the only syscalls that can set
// the bit are OPEN and FCNTL/F_SETFD, so this is a plain sweep rather than
// a parallel index.
func (t *FileTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, of := range t.fds {
		if of.cloexec {
			delete(t.fds, fd)
		}
	}
}

// Close releases fd.
func (t *FileTable) Close(fd int) kerrno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok || of.closed {
		return kerrno.EBADF
	}
	delete(t.fds, fd)
	return 0
}

// Read copies up to len(buf) bytes from fd's cursor into buf, advancing it.
func (t *FileTable) Read(fd int, buf []byte) (n int, errno kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return 0, kerrno.EBADF
	}
	if of.offset >= int64(len(of.file.data)) {
		return 0, 0
	}
	n = copy(buf, of.file.data[of.offset:])
	of.offset += int64(n)
	return n, 0
}

// Write appends/overwrites at fd's cursor from buf, advancing it and
// growing the backing entry as needed.
func (t *FileTable) Write(fd int, buf []byte) (n int, errno kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return 0, kerrno.EBADF
	}
	end := of.offset + int64(len(buf))
	if end > int64(len(of.file.data)) {
		grown := make([]byte, end)
		copy(grown, of.file.data)
		of.file.data = grown
	}
	copy(of.file.data[of.offset:end], buf)
	of.offset = end
	return len(buf), 0
}

// Seek repositions fd's cursor per POSIX whence semantics (0=set, 1=cur,
// 2=end) and returns the new absolute offset.
func (t *FileTable) Seek(fd int, offset int64, whence int) (newOffset int64, errno kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return 0, kerrno.EBADF
	}
	switch whence {
	case 0:
		of.offset = offset
	case 1:
		of.offset += offset
	case 2:
		of.offset = int64(len(of.file.data)) + offset
	default:
		return 0, kerrno.EINVAL
	}
	if of.offset < 0 {
		of.offset = 0
		return 0, kerrno.EINVAL
	}
	return of.offset, 0
}

// Stat reports size/kind for an open descriptor (fstat) without consuming
// the name-resolution step a real stat(path) would need.
func (t *FileTable) Stat(fd int) (Stat, kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return Stat{}, kerrno.EBADF
	}
	return Stat{Size: int64(len(of.file.data)), IsDir: of.file.isDir}, 0
}

// ReadAll returns the full content of a named entry, used by execve/spawn
// to fetch an ELF image by path without going through an open descriptor.
func (t *FileTable) ReadAll(name string) ([]byte, kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[name]
	if !ok {
		return nil, kerrno.ENOENT
	}
	return f.data, 0
}

// Put installs content under name, overwriting any existing entry. A
// test/bootstrap convenience — the original kernel's equivalent is loading
// a program from a real filesystem.
func (t *FileTable) Put(name string, content []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[name] = &inMemoryFile{name: name, data: content}
}

// StatPath reports size/kind for a named entry, creating nothing; unknown
// names report -ENOENT.
func (t *FileTable) StatPath(name string) (Stat, kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[name]
	if !ok {
		return Stat{}, kerrno.ENOENT
	}
	return Stat{Size: int64(len(f.data)), IsDir: f.isDir}, 0
}

// Unlink removes a named entry; fails with -ENOENT if it never existed and
// -EBUSY-equivalent is not modeled since this table has no open-file
// refcount beyond the fd map itself.
func (t *FileTable) Unlink(name string) kerrno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; !ok {
		return kerrno.ENOENT
	}
	delete(t.entries, name)
	return 0
}

// Mkdir creates a directory entry; EEXIST if the name is already taken.
func (t *FileTable) Mkdir(name string) kerrno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; ok {
		return kerrno.EEXIST
	}
	t.entries[name] = &inMemoryFile{name: name, isDir: true}
	return 0
}

// Rmdir removes an empty directory entry.
func (t *FileTable) Rmdir(name string) kerrno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[name]
	if !ok {
		return kerrno.ENOENT
	}
	if !f.isDir {
		return kerrno.ENOTDIR
	}
	delete(t.entries, name)
	return 0
}

// Dup returns a new descriptor sharing fd's cursor and underlying entry.
func (t *FileTable) Dup(fd int) (newFd int, errno kerrno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return 0, kerrno.EBADF
	}
	newFd = t.nextFd
	t.nextFd++
	t.fds[newFd] = of
	return newFd, 0
}

// Dup2 makes newFd an alias of fd, closing whatever newFd previously named.
func (t *FileTable) Dup2(fd, newFd int) kerrno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.fds[fd]
	if !ok {
		return kerrno.EBADF
	}
	t.fds[newFd] = of
	return 0
}

// Getcwd returns the process's current working directory.
func (t *FileTable) Getcwd() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

// Chdir sets the current working directory; this table does not validate
// that name names an existing directory.
func (t *FileTable) Chdir(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cwd = name
}

// CloseAll closes every open descriptor, run during process termination.
func (t *FileTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds = make(map[int]*openFile)
}
