package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

func targetOrHost(target string) string {
	if target == "" {
		return HostTarget
	}
	return target
}

// MemoryProbe measures used memory as a fraction of a ceiling.
type MemoryProbe struct {
	// Threshold is the unhealthy fraction.
	Threshold float64
	// CeilingBytes is the memory budget; zero means total host memory.
	CeilingBytes uint64
	// Owner attributes the sample to a service. Empty means host.
	Owner string
	// Read overrides the memory source in tests.
	Read func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// Kind implements Probe.
func (p *MemoryProbe) Kind() Kind { return KindMemory }

// Target implements Probe.
func (p *MemoryProbe) Target() string { return targetOrHost(p.Owner) }

// Check implements Probe.
func (p *MemoryProbe) Check(ctx context.Context) (Sample, error) {
	read := p.Read
	if read == nil {
		read = mem.VirtualMemoryWithContext
	}
	vm, err := read(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory: %w", err)
	}

	ceiling := p.CeilingBytes
	if ceiling == 0 {
		ceiling = vm.Total
	}
	if ceiling == 0 {
		return Sample{}, errors.New("read memory: zero total")
	}
	value := float64(vm.Used) / float64(ceiling)

	return Sample{
		Kind:      KindMemory,
		Target:    p.Target(),
		Value:     value,
		Threshold: p.Threshold,
		Healthy:   value < p.Threshold,
		Detail:    fmt.Sprintf("%d of %d bytes used", vm.Used, ceiling),
	}, nil
}

// CPUProbe measures host CPU utilisation as a fraction.
type CPUProbe struct {
	Threshold float64
	// Window is the measuring interval.
	Window time.Duration
	// Owner makes the sample attributable to a service. Empty means host.
	Owner string
	// Read overrides the CPU source in tests.
	Read func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
}

// Kind implements Probe.
func (p *CPUProbe) Kind() Kind { return KindCPU }

// Target implements Probe.
func (p *CPUProbe) Target() string { return targetOrHost(p.Owner) }

// Check implements Probe.
func (p *CPUProbe) Check(ctx context.Context) (Sample, error) {
	read := p.Read
	if read == nil {
		read = cpu.PercentWithContext
	}
	pct, err := read(ctx, p.Window, false)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu: %w", err)
	}
	if len(pct) == 0 {
		return Sample{}, errors.New("read cpu: no data")
	}
	value := pct[0] / 100

	return Sample{
		Kind:      KindCPU,
		Target:    p.Target(),
		Value:     value,
		Threshold: p.Threshold,
		Healthy:   value < p.Threshold,
		Detail:    fmt.Sprintf("%.1f%% busy", pct[0]),
	}, nil
}

// DiskProbe measures used space of a filesystem path as a fraction.
type DiskProbe struct {
	Path      string
	Threshold float64
	Owner     string
	// Read overrides the disk source in tests.
	Read func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// Kind implements Probe.
func (p *DiskProbe) Kind() Kind { return KindDisk }

// Target implements Probe.
func (p *DiskProbe) Target() string { return targetOrHost(p.Owner) }

// Check implements Probe.
func (p *DiskProbe) Check(ctx context.Context) (Sample, error) {
	read := p.Read
	if read == nil {
		read = disk.UsageWithContext
	}
	u, err := read(ctx, p.Path)
	if err != nil {
		return Sample{}, fmt.Errorf("read disk usage of %s: %w", p.Path, err)
	}
	value := u.UsedPercent / 100

	return Sample{
		Kind:      KindDisk,
		Target:    p.Target(),
		Value:     value,
		Threshold: p.Threshold,
		Healthy:   value < p.Threshold,
		Detail:    fmt.Sprintf("%s: %d of %d bytes used", p.Path, u.Used, u.Total),
	}, nil
}
