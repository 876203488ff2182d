package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const cpuSampleWindow = 500 * time.Millisecond

// checkResources verifies that the host has enough free resources to start a
// new transfer into dir. Each check is skipped when its threshold is zero.
func (x *Executor) checkResources(ctx context.Context, dir string) error {
	if idle := x.cfg.ThrottleCPU; idle > 0 {
		p, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
		if err != nil {
			x.log.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > 100.0-idle {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], idle)
		}
	}

	if need := x.cfg.ThrottleFreeMem; need > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			x.log.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(need) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, need)
		}
	}

	if need := x.cfg.ThrottleFreeDisk; need > 0 {
		d, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			x.log.Warn().Err(err).Str("dir", dir).Msg("could not get disk usage")
		} else if d.Free < uint64(need) {
			return fmt.Errorf("not enough free disk space in %s: available %d, required %d", dir, d.Free, need)
		}
	}
	return nil
}
