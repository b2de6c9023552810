package proc

import (
	"log/slog"
	"os"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"
)

const sweepWait = 500 * time.Millisecond

// SweepZombies kills leftover processes with the given executable name.
// A crashed prior session can leave a duplicate process holding the PTY
// and answering stale input; the sweep is best effort (SIGTERM, short
// wait, SIGKILL) and never fails the caller.
func SweepZombies(executable string, logger *slog.Logger) {
	pids := findByExecutable(executable)
	if len(pids) == 0 {
		return
	}

	for _, pid := range pids {
		p, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := p.Signal(syscall.SIGTERM); err != nil {
			continue
		}
		logger.Info("terminating zombie process", "executable", executable, "pid", pid)
	}

	time.Sleep(sweepWait)

	for _, pid := range findByExecutable(executable) {
		p, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := p.Kill(); err == nil {
			logger.Warn("force-killed zombie process", "executable", executable, "pid", pid)
		}
	}
}

func findByExecutable(executable string) []int {
	procs, err := ps.Processes()
	if err != nil {
		return nil
	}
	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if p.Pid() == self || p.Pid() == os.Getppid() {
			continue
		}
		if matchesExecutable(p.Executable(), executable) {
			pids = append(pids, p.Pid())
		}
	}
	return pids
}

// matchesExecutable compares process names, tolerating the 15-char comm
// truncation some platforms apply.
func matchesExecutable(procName, executable string) bool {
	if procName == executable {
		return true
	}
	if len(procName) == 15 && len(executable) > 15 && executable[:15] == procName {
		return true
	}
	return false
}
