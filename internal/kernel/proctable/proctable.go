// Package proctable tracks every live and zombie process, serializes PID
// allocation, and implements waitpid's reaping semantics.
package proctable

import (
	"sync"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/elfprogram"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procimage"
)

// KernelPID is the PID every orphaned process is reparented to, standing in
// for init/the kernel itself absorbing them.
const KernelPID = 0

// Process is one entry in the table: its identity, family relationships,
// loaded program, and the state waitpid needs to reap it.
type Process struct {
	PID  int
	PPID int

	Program *elfprogram.ElfProgram
	Image   *procimage.ProcessImage

	children []int
	zombies  []int

	zombie    bool
	exitCode  int
	waitCount int
	cv        *sync.Cond
}

// Processes is the process table: one mutex guards the PID counter, the
// PID->Process map, and every Process's family-relationship fields; a
// generic condition variable wakes any waiter on an untargeted waitpid.
type Processes struct {
	mu      sync.Mutex
	cv      *sync.Cond
	nextPID int
	table   map[int]*Process

	// kernelZombies holds the PIDs of zombie grandchildren reparented to
	// KernelPID on their parent's termination (§4.6 step 2). KernelPID has
	// no Process struct of its own to hang a zombie list off of, so these
	// are tracked here instead of being silently dropped.
	kernelZombies []int
}

// New returns an empty process table. The kernel PID (0) is never assigned
// to a real process and always has an empty child/zombie list to reparent
// orphans onto.
func New() *Processes {
	p := &Processes{
		nextPID: 1,
		table:   make(map[int]*Process),
	}
	p.cv = sync.NewCond(&p.mu)
	return p
}

// allocatePID returns the next strictly positive PID not currently live in
// the table, wrapping the rolling counter past zero. Caller must hold mu.
func (p *Processes) allocatePID() int {
	for {
		pid := p.nextPID
		p.nextPID++
		if p.nextPID <= 0 {
			p.nextPID = 1
		}
		if pid == 0 {
			continue
		}
		if _, live := p.table[pid]; live {
			continue
		}
		return pid
	}
}

// Create constructs a new Process under parent ppid, running program/image
// that the caller has already loaded (the §4.3 loader must succeed before
// a process ever joins the table). The thread-creation step of the original
// five-step sequence belongs to the scheduler package; Create covers the
// table bookkeeping steps (3) and the rollback path of step (4) via the
// returned rollback function.
func (p *Processes) Create(ppid int, program *elfprogram.ElfProgram, image *procimage.ProcessImage) (pid int, rollback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid = p.allocatePID()
	proc := &Process{
		PID:     pid,
		PPID:    ppid,
		Program: program,
		Image:   image,
	}
	proc.cv = sync.NewCond(&p.mu)
	p.table[pid] = proc

	if parent, ok := p.table[ppid]; ok {
		parent.children = append(parent.children, pid)
	}

	rollback = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.table, pid)
		if parent, ok := p.table[ppid]; ok {
			parent.children = removeInt(parent.children, pid)
		}
	}
	return pid, rollback
}

// Getppid returns pid's parent PID, or (0, false) if pid is unknown.
func (p *Processes) Getppid(pid int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc, ok := p.table[pid]
	if !ok {
		return 0, false
	}
	return proc.PPID, true
}

// Waitpid implements the §4.6 decision table. nohang is the WNOHANG bit
// (the only option this kernel recognizes); the caller drops any other
// option bits before reaching here. Returns the reaped PID (or 0 for a
// non-blocking call that found nothing ready), the process's exit status,
// and a kerrno.Errno (0 on success).
func (p *Processes) Waitpid(callerPID, targetPID int, nohang bool) (reapedPID int, exitCode int, errno kerrno.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// KernelPID has no Process struct of its own; its reparented zombie
	// grandchildren live in kernelZombies instead of a caller.zombies list.
	if callerPID == KernelPID {
		if targetPID > 0 {
			return 0, 0, kerrno.ECHILD
		}
		if len(p.kernelZombies) > 0 {
			zpid := p.kernelZombies[0]
			p.kernelZombies = p.kernelZombies[1:]
			code := p.reapLocked(zpid)
			return zpid, code, 0
		}
		return 0, 0, kerrno.ECHILD
	}

	caller, ok := p.table[callerPID]
	if !ok {
		return 0, 0, kerrno.ECHILD
	}

	if targetPID <= 0 {
		for {
			if len(caller.zombies) > 0 {
				zpid := caller.zombies[0]
				caller.zombies = caller.zombies[1:]
				code := p.reapLocked(zpid)
				return zpid, code, 0
			}
			if nohang {
				return 0, 0, 0
			}
			if len(caller.children) == 0 {
				return 0, 0, kerrno.ECHILD
			}
			p.cv.Wait()
		}
	}

	target, ok := p.table[targetPID]
	if !ok || target.PPID != callerPID {
		return 0, 0, kerrno.ECHILD
	}

	for {
		if target.zombie {
			target.waitCount--
			code := target.exitCode
			if target.waitCount <= 0 {
				p.removeFromTableLocked(target)
				if parent, ok := p.table[target.PPID]; ok {
					parent.zombies = removeInt(parent.zombies, targetPID)
				}
			}
			return targetPID, code, 0
		}
		if nohang {
			return 0, 0, 0
		}
		target.waitCount++
		target.cv.Wait()
	}
}

// reapLocked removes pid (already popped from its parent's zombie list)
// from the table and returns its recorded exit code. Caller must hold mu.
func (p *Processes) reapLocked(pid int) int {
	proc, ok := p.table[pid]
	if !ok {
		return 0
	}
	delete(p.table, pid)
	return proc.exitCode
}

// removeFromTableLocked deletes proc from the table entirely; used by the
// targeted-wait path once the last waiter has observed waitCount reach
// zero. Caller must hold mu.
func (p *Processes) removeFromTableLocked(proc *Process) {
	delete(p.table, proc.PID)
}

// Terminate runs the termination sequence for pid with the given exit code:
// marks it a zombie, reparents its children to the kernel PID, removes it
// from its parent's child list, and wakes whichever waiter (targeted or
// generic) should observe the exit. Closing file descriptors is the file
// table's responsibility and happens before Terminate is called.
func (p *Processes) Terminate(pid int, exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proc, ok := p.table[pid]
	if !ok {
		return
	}
	proc.zombie = true
	proc.exitCode = exitCode

	for _, childPID := range proc.children {
		if child, ok := p.table[childPID]; ok {
			child.PPID = KernelPID
		}
	}
	proc.children = nil

	for _, zpid := range proc.zombies {
		if z, ok := p.table[zpid]; ok {
			z.PPID = KernelPID
		}
		p.kernelZombies = append(p.kernelZombies, zpid)
	}
	proc.zombies = nil

	if parent, ok := p.table[proc.PPID]; ok {
		parent.children = removeInt(parent.children, pid)
		if proc.waitCount > 0 {
			proc.cv.Broadcast()
		} else {
			parent.zombies = append(parent.zombies, pid)
			p.cv.Broadcast()
		}
	}
}

// Get returns the Process record for pid, if any. The returned pointer must
// not be mutated outside the table's own methods.
func (p *Processes) Get(pid int) (*Process, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc, ok := p.table[pid]
	return proc, ok
}

func removeInt(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
