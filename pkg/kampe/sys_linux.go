//go:build linux

package kampe

import "syscall"

// The child gets its own process group and is killed by the kernel if the
// supervisor dies first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
