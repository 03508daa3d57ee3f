// Package syscall provides process attributes for spawned children.
package syscall

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// CmdAttrs is the SysProcAttr used for spawning child processes. Children
// are killed when the parent thread dies and get their own process group.
var CmdAttrs = &syscall.SysProcAttr{
	Pdeathsig: unix.SIGKILL,
	Setpgid:   true,
}
