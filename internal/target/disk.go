package target

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/bnema/ardysactl/internal/errs"
)

// CheckFreeSpace fails with ErrDiskFull when the volume holding the target
// has less than need bytes free. A volume that cannot be queried passes.
func (t *Target) CheckFreeSpace(ctx context.Context, need uint64) error {
	if need == 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, t.Root)
	if err != nil || usage == nil {
		return nil
	}
	if usage.Free < need {
		return fmt.Errorf("%w: %d bytes free, %d required", errs.ErrDiskFull, usage.Free, need)
	}
	return nil
}
