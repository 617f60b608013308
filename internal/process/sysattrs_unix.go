//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the server in its own process group so that
// signals reach the whole tree it spawns.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate asks the process group to exit.
func terminate(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

// kill forcibly stops the process group.
func kill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
