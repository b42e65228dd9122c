// Package scheduler models the context-switch hook the scheduler's own
// dispatch loop runs whenever it selects a new thread to run: which saved
// context to resume, and whether the MPU must be enabled for it. The
// scheduler's thread-selection policy itself is out of scope (spec.md's own
// Non-goals); this package is the one decision point userspace/kernelspace
// separation actually depends on.
package scheduler

import "github.com/fedetft/miosix-kernel-sub002/internal/kernel/mpu"

// Mode distinguishes a thread currently executing user code from one
// executing kernel code, whether because it is a pure kernel thread or a
// process thread that trapped into the kernel for a syscall.
type Mode int

const (
	// Kernelspace: either a kernel thread, or a process thread currently
	// inside a syscall. The kernel saved-context pointer is used and the
	// MPU is disabled.
	Kernelspace Mode = iota
	// Userspace: a process thread running its own code. The userspace
	// saved-context pointer is used and the thread's owning process's MPU
	// Configuration is enabled.
	Userspace
)

// SavedContext is an opaque per-thread saved-register blob; its contents
// are architecture-specific and not modeled here, only which one is
// selected and when.
type SavedContext struct {
	// Pointer is the address of the saved context blob, conceptually a
	// stack pointer into that thread's kernel or user stack.
	Pointer uint32
}

// Thread is the subset of per-thread scheduler state this package's hook
// needs: both of its saved-context pointers, which mode it is currently in,
// and (for Userspace threads only) the MPU Configuration of the process it
// belongs to.
type Thread struct {
	KernelContext SavedContext
	UserContext   SavedContext
	Mode          Mode
	ProcessMPU    *mpu.Configuration
}

// MPUController is whatever drives the real MPU hardware (or, on a host
// simulation, tracks which Configuration is "current" for validation
// purposes); Enable/Disable are the only two operations a context switch
// ever needs from it.
type MPUController interface {
	Enable(cfg *mpu.Configuration)
	Disable()
}

// SelectContext implements the context-switch hook: given the thread the
// scheduler just chose to run next, it returns the saved-context pointer to
// resume and programs the MPU controller accordingly. A Kernelspace thread,
// or a process thread currently running a syscall, always runs with the MPU
// disabled and the kernel context — this is the invariant that keeps user
// code from ever executing with the MPU turned off.
func SelectContext(t *Thread, controller MPUController) SavedContext {
	if t.Mode == Userspace && t.ProcessMPU != nil {
		controller.Enable(t.ProcessMPU)
		return t.UserContext
	}
	controller.Disable()
	return t.KernelContext
}
