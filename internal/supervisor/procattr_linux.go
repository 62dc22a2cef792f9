//go:build linux

package supervisor

import "syscall"

// sysProcAttr puts the upstream in its own process group so the whole tree
// can be signaled, and asks the kernel to kill it if the supervisor dies
// without running cleanup (SIGKILL, OOM).
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
