package kernel

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Arch selects the MPU strategy Boot wires up. This module is a software
// model, so the choice is a runtime field rather than a build tag.
type Arch string

const (
	ArchARMv7M Arch = "armv7m"
	ArchARMv8M Arch = "armv8m"
)

// Config carries the kernel's sizing constants and feature gates, loadable
// from a TOML file via github.com/BurntSushi/toml.
type Config struct {
	Arch Arch `toml:"arch"`

	NumTasks       int `toml:"num_tasks"`
	NumLSRs        int `toml:"num_lsrs"`
	NumSemaphores  int `toml:"num_semaphores"`
	NumQueues      int `toml:"num_queues"`
	NumEventGroups int `toml:"num_event_groups"`
	NumTimers      int `toml:"num_timers"`
	NumEventQueues int `toml:"num_event_queues"`
	PriorityLevels int `toml:"priority_levels"`

	SizeStack     int  `toml:"size_stack"`
	SizeStackPad  int  `toml:"size_stack_pad"`
	SizeStackBlk  int  `toml:"size_stack_blk"`
	StackPoolSize int  `toml:"stack_pool_size"`
	StackFillVal  byte `toml:"stack_fill_val"`

	TicksPerSec       int    `toml:"ticks_per_sec"`
	TickCountsPerTick uint32 `toml:"tick_counts_per_tick"`
	RTCFrame          int    `toml:"rtc_frame"`
	RTCBSize          int    `toml:"rtcb_size"`

	LSRQueueDepth int `toml:"lsr_queue_depth"`

	// Feature gates.
	EnableSSMX          bool `toml:"cfg_ssmx"`
	EnableProfile       bool `toml:"cfg_profile"`
	EnableRTLimit       bool `toml:"cfg_rtlim"`
	EnableStackScan     bool `toml:"cfg_stack_scan"`
	EnableConsolePortal bool `toml:"cp_portal"`
}

// DefaultConfig returns the constants the demo scenarios and tests assume
// when no TOML file overrides them.
func DefaultConfig() Config {
	return Config{
		Arch: ArchARMv7M,

		NumTasks:       32,
		NumLSRs:        32,
		NumSemaphores:  16,
		NumQueues:      16,
		NumEventGroups: 8,
		NumTimers:      16,
		NumEventQueues: 8,
		PriorityLevels: 16,

		SizeStack:     1024,
		SizeStackPad:  32,
		SizeStackBlk:  1024 + 32,
		StackPoolSize: 16,
		StackFillVal:  0xA5,

		TicksPerSec:       1000,
		TickCountsPerTick: 1000,
		RTCFrame:          64,
		RTCBSize:          16,

		LSRQueueDepth: 64,

		EnableSSMX:          true,
		EnableProfile:       true,
		EnableRTLimit:       true,
		EnableStackScan:     true,
		EnableConsolePortal: false,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig, so a partial file
// only needs to specify the fields it overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("smx: read config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("smx: decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("smx: invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the kernel package assumes (a
// known Arch; positive task count, priority levels, LSR queue depth, stack
// size and stack pool size) without reaching into any pool. The other
// control-block pool sizes are not checked.
func (c Config) Validate() error {
	if c.Arch != ArchARMv7M && c.Arch != ArchARMv8M {
		return fmt.Errorf("smx: unknown arch %q", c.Arch)
	}
	if c.NumTasks <= 0 {
		return fmt.Errorf("smx: num_tasks must be positive")
	}
	if c.PriorityLevels <= 0 {
		return fmt.Errorf("smx: priority_levels must be positive")
	}
	if c.LSRQueueDepth <= 0 {
		return fmt.Errorf("smx: lsr_queue_depth must be positive")
	}
	if c.SizeStack <= 0 || c.StackPoolSize <= 0 {
		return fmt.Errorf("smx: stack sizing must be positive")
	}
	return nil
}
