package devmem

import (
	"github.com/vkngwrapper/suballoc/device"
)

// Capabilities records the optional behavior a device offers beyond device.Device
type Capabilities struct {
	// Budget is non-nil when the device can report per-heap usage and budget numbers
	Budget device.BudgetReporter
	// NonCoherentMemory is true if any memory type is host visible but not host coherent, which
	// means Flush and Invalidate calls matter
	NonCoherentMemory bool
	// UnifiedMemory is true if any memory type is both device local and host visible
	UnifiedMemory bool
}

// ProbeCapabilities inspects a device for optional behavior
func ProbeCapabilities(dev device.Device) Capabilities {
	var caps Capabilities

	props := dev.Properties()

	// Devices may implement the reporter but be unable to report
	if reporter, ok := dev.(device.BudgetReporter); ok {
		if reporter.HeapBudgets(make([]device.HeapBudget, len(props.MemoryHeaps))) == nil {
			caps.Budget = reporter
		}
	}

	for _, memType := range props.MemoryTypes {
		flags := memType.PropertyFlags
		if flags&(device.MemoryPropertyHostVisible|device.MemoryPropertyHostCoherent) == device.MemoryPropertyHostVisible {
			caps.NonCoherentMemory = true
		}

		if flags&(device.MemoryPropertyHostVisible|device.MemoryPropertyDeviceLocal) ==
			device.MemoryPropertyHostVisible|device.MemoryPropertyDeviceLocal {
			caps.UnifiedMemory = true
		}
	}

	return caps
}
