//go:build !linux

package syscall

import "syscall"

// CmdAttrs is the SysProcAttr used for spawning child processes. It is empty
// outside of Linux.
var CmdAttrs = &syscall.SysProcAttr{}
