// Package svcdispatch is the trap handler every userspace SVC instruction
// lands in: it validates the calling process's pointer arguments against its
// MPU Configuration before touching them, delegates to the appropriate
// kernel service, and writes results back into the syscall parameter frame.
package svcdispatch

// Syscall identifies a trap, taken verbatim (including the numbering gaps)
// from the reference kernel's own enum so that a userspace libc compiled
// against it needs no translation layer.
type Syscall int

const (
	YIELD     Syscall = 0
	USERSPACE Syscall = 1

	OPEN      Syscall = 2
	CLOSE     Syscall = 3
	READ      Syscall = 4
	WRITE     Syscall = 5
	LSEEK     Syscall = 6
	STAT      Syscall = 7
	LSTAT     Syscall = 8
	FSTAT     Syscall = 9
	FCNTL     Syscall = 10
	IOCTL     Syscall = 11
	ISATTY    Syscall = 12
	GETCWD    Syscall = 13
	CHDIR     Syscall = 14
	GETDENTS  Syscall = 15
	MKDIR     Syscall = 16
	RMDIR     Syscall = 17
	LINK      Syscall = 18
	UNLINK    Syscall = 19
	SYMLINK   Syscall = 20
	READLINK  Syscall = 21
	TRUNCATE  Syscall = 22
	FTRUNCATE Syscall = 23
	RENAME    Syscall = 24
	CHMOD     Syscall = 25
	FCHMOD    Syscall = 26
	CHOWN     Syscall = 27
	FCHOWN    Syscall = 28
	LCHOWN    Syscall = 29
	DUP       Syscall = 30
	DUP2      Syscall = 31
	PIPE      Syscall = 32
	ACCESS    Syscall = 33
	// 34-37 reserved, unused by the original kernel.

	GETTIME   Syscall = 38
	SETTIME   Syscall = 39
	NANOSLEEP Syscall = 40
	GETRES    Syscall = 41
	ADJTIME   Syscall = 42

	EXIT    Syscall = 43
	EXECVE  Syscall = 44
	SPAWN   Syscall = 45
	KILL    Syscall = 46
	WAITPID Syscall = 47
	GETPID  Syscall = 48
	GETPPID Syscall = 49
	GETUID  Syscall = 50
	GETGID  Syscall = 51
	GETEUID Syscall = 52
	GETEGID Syscall = 53
	SETUID  Syscall = 54
	SETGID  Syscall = 55

	MOUNT  Syscall = 56
	UMOUNT Syscall = 57
	MKFS   Syscall = 58
)

// Open flag and fcntl command/flag bits, taken from the reference kernel's
// ABI the same way the Syscall numbering above is: verbatim, so a userspace
// libc built against it needs no translation layer.
const (
	// OCloexec is OPEN's Words[1] flags bit requesting the returned
	// descriptor be marked close-on-exec.
	OCloexec uint32 = 0x80000

	// FGetFD and FSetFD are FCNTL's Words[1] command values; FDCloexec is
	// the only bit FSetFD/FGetFD's Words[2] argument/result carries.
	FGetFD    uint32 = 1
	FSetFD    uint32 = 2
	FDCloexec uint32 = 1
)

// Outcome is what the main user-thread loop does next after handleSvc
// returns.
type Outcome int

const (
	// Resume: loop, switch back to userspace.
	Resume Outcome = iota
	// Execve: the image was just reloaded in place; loop.
	Execve
	// Exit: the thread is done; it becomes a zombie.
	Exit
	// Segfault: a hardware fault or an unrecoverable dispatcher error;
	// exit code is set to the offending signal.
	Segfault
)

// Parameters is the syscall parameter frame: which trap fired and the
// scalar/pointer argument words passed in the ABI's fixed four slots. Wide
// results (LSEEK's 64-bit offset) are split across two slots by convention;
// GETCWD is the one syscall whose primary result lands in slot 1 rather
// than slot 0, an ABI quirk carried from the original kernel.
type Parameters struct {
	ID    Syscall
	Words [4]uint32
}
