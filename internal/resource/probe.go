package resource

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/switchyard/switchyard/pkg/errors"
)

// Probe takes one resource reading.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Sample, error)

// Sample implements Probe.
func (f ProbeFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// SystemProbe reads host CPU, memory and disk usage through gopsutil.
type SystemProbe struct {
	// DiskPath is the mount point whose usage is reported.
	DiskPath string
	Now      func() time.Time
}

// NewSystemProbe creates a probe reporting disk usage for path.
func NewSystemProbe(path string) *SystemProbe {
	if path == "" {
		path = "/"
	}
	return &SystemProbe{DiskPath: path, Now: time.Now}
}

// Sample implements Probe. CPU usage is measured since the previous call, so
// the first reading after startup may be zero.
func (p *SystemProbe) Sample(ctx context.Context) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, probeError("cpu", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, probeError("memory", err)
	}
	usage, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return Sample{}, probeError("disk", err).WithDetail("path", p.DiskPath)
	}

	s := Sample{
		Timestamp: p.Now(),
		Memory:    vm.UsedPercent,
		Disk:      usage.UsedPercent,
	}
	if len(percents) > 0 {
		s.CPU = percents[0]
	}
	return s, nil
}

func probeError(metric string, err error) *errors.OrchestratorError {
	return errors.Wrap(err, errors.ErrCodeProbeFailed, "failed to read "+metric+" usage").
		WithComponent("resource").WithOperation("sample")
}
