//go:build !unix

package kampe

import (
	"os"
	"syscall"
)

// Process groups are a unix concept; elsewhere only the child itself is killed.

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killGroup(pid int) error {
	return nil
}

func exitSignal(state *os.ProcessState) string {
	return ""
}
