// Package supervisor starts, watches and stops the subprocesses siphon
// delegates work to, and answers liveness questions about processes that
// may belong to another host process entirely.
package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Handle identifies one process incarnation as "{pid}:{create_time_ms}".
// The creation time guards against the kernel recycling a PID.
type Handle string

// NewHandle formats a handle from its parts.
func NewHandle(pid int32, createdMS int64) Handle {
	return Handle(fmt.Sprintf("%d:%d", pid, createdMS))
}

// Parse splits a handle into its parts.
func (h Handle) Parse() (pid int32, createdMS int64, err error) {
	left, right, ok := strings.Cut(string(h), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed process handle %q", h)
	}
	p, err := strconv.ParseInt(left, 10, 32)
	if err != nil || p <= 0 {
		return 0, 0, fmt.Errorf("malformed process handle %q: bad pid", h)
	}
	c, err := strconv.ParseInt(right, 10, 64)
	if err != nil || c < 0 {
		return 0, 0, fmt.Errorf("malformed process handle %q: bad create time", h)
	}
	return int32(p), c, nil
}

func (h Handle) String() string { return string(h) }

// Self returns the handle of the calling process.
func Self() (Handle, error) {
	return HandleOf(os.Getpid())
}

// HandleOf builds the handle of a running process.
func HandleOf(pid int) (Handle, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("inspect process %d: %w", pid, err)
	}
	created, err := p.CreateTime()
	if err != nil {
		return "", fmt.Errorf("read create time of %d: %w", pid, err)
	}
	return NewHandle(int32(pid), created), nil
}

// Prober answers whether the process behind a handle still runs. It must
// not block.
type Prober interface {
	IsAlive(h Handle) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(Handle) bool

func (f ProberFunc) IsAlive(h Handle) bool { return f(h) }

// ProcessProber inspects the local process table.
type ProcessProber struct{}

// IsAlive reports false for malformed handles, missing processes, PID reuse
// (creation time mismatch) and zombies. A zero creation time skips the reuse
// check.
func (ProcessProber) IsAlive(h Handle) bool {
	pid, created, err := h.Parse()
	if err != nil {
		return false
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	if created != 0 {
		got, err := p.CreateTime()
		if err != nil || got != created {
			return false
		}
	}
	states, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range states {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
