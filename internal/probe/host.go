package probe

import (
	"context"
	"math"
	"runtime"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Sampler reads raw host figures. Each call may fail independently.
type Sampler interface {
	CPU(ctx context.Context) (float64, error)
	Memory(ctx context.Context) (used, total uint64, err error)
	Disk(ctx context.Context, path string) (used, total uint64, err error)
	// NetworkBytes returns cumulative bytes sent+received across interfaces.
	NetworkBytes(ctx context.Context) (uint64, error)
}

// HostSampler reads the local host via gopsutil.
type HostSampler struct{}

// CPU 1 分钟负载 / 核数 * 100，上限 100；拿不到负载时退回瞬时 CPU%
func (HostSampler) CPU(ctx context.Context) (float64, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		return math.Min(avg.Load1/float64(cores)*100, 100), nil
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, errors.Wrap(err, "cpu percent")
	}
	if len(pct) == 0 {
		return 0, errors.New("cpu percent: no data")
	}
	return math.Min(pct[0], 100), nil
}

func (HostSampler) Memory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "virtual memory")
	}
	return vm.Used, vm.Total, nil
}

func (HostSampler) Disk(ctx context.Context, path string) (uint64, uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "disk usage %s", path)
	}
	return u.Used, u.Total, nil
}

func (HostSampler) NetworkBytes(ctx context.Context) (uint64, error) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, errors.Wrap(err, "net io counters")
	}
	var total uint64
	for _, c := range counters {
		total += c.BytesSent + c.BytesRecv
	}
	return total, nil
}
