package agent

import (
	"github.com/shirou/gopsutil/v4/process"
)

// LivenessProbe reports whether a PID belongs to a live, non-zombie process.
type LivenessProbe interface {
	Alive(pid int) bool
}

// ProcessProbe checks liveness through the OS process table.
type ProcessProbe struct{}

// Alive returns false for missing, exited and zombie processes.
func (ProcessProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
