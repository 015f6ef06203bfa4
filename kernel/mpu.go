package kernel

// MPU is the strategy interface behind the region loader: it programs a
// task's RegionArray into the active region window on a dispatch. Two
// concrete strategies exist (mpu_armv7m.go, mpu_armv8m.go), selected at
// Boot time by Config.Arch. This is a software model with no hardware
// register window underneath, so the choice is a runtime field rather than
// a build tag.
type MPU interface {
	// Reload programs the hardware-equivalent region table for regions,
	// returning the number of regions actually loaded. Loading clamps at
	// the architecture's active-slot count.
	Reload(regions *RegionArray) int

	// Name identifies the strategy for logging/diagnostics.
	Name() string
}

func newMPU(arch Arch) MPU {
	switch arch {
	case ArchARMv8M:
		return &mpuARMv8M{}
	default:
		return &mpuARMv7M{}
	}
}
