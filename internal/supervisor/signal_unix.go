//go:build unix

package supervisor

import "syscall"

// setpgid puts the child in its own process group so Stop can signal the
// whole group (the child plus anything it shells out to) rather than just
// the direct child pid.
func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
