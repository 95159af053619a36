package hvpp

import "sync/atomic"

// Operation counters. Incremented from interception paths where ordinary
// allocation is suppressed, so plain atomics only.
var (
	launchCount      uint64
	terminationCount uint64
	exitCount        uint64

	interruptsQueued   uint64
	interruptsInjected uint64
	forcedInjections   uint64
	windowRequests     uint64

	eptSwitches uint64

	hardwareFaults     uint64
	resourceErrors     uint64
	capabilityFailures uint64
)

// Metrics is a point-in-time snapshot of the operation counters.
type Metrics struct {
	Launches           uint64 `json:"launches"`
	Terminations       uint64 `json:"terminations"`
	Exits              uint64 `json:"exits"`
	InterruptsQueued   uint64 `json:"interrupts_queued"`
	InterruptsInjected uint64 `json:"interrupts_injected"`
	ForcedInjections   uint64 `json:"forced_injections"`
	WindowRequests     uint64 `json:"window_requests"`
	EPTSwitches        uint64 `json:"ept_switches"`
	HardwareFaults     uint64 `json:"hardware_faults"`
	ResourceErrors     uint64 `json:"resource_errors"`
	CapabilityFailures uint64 `json:"capability_failures"`
}

// GetMetrics returns the current counter values.
func GetMetrics() Metrics {
	return Metrics{
		Launches:           atomic.LoadUint64(&launchCount),
		Terminations:       atomic.LoadUint64(&terminationCount),
		Exits:              atomic.LoadUint64(&exitCount),
		InterruptsQueued:   atomic.LoadUint64(&interruptsQueued),
		InterruptsInjected: atomic.LoadUint64(&interruptsInjected),
		ForcedInjections:   atomic.LoadUint64(&forcedInjections),
		WindowRequests:     atomic.LoadUint64(&windowRequests),
		EPTSwitches:        atomic.LoadUint64(&eptSwitches),
		HardwareFaults:     atomic.LoadUint64(&hardwareFaults),
		ResourceErrors:     atomic.LoadUint64(&resourceErrors),
		CapabilityFailures: atomic.LoadUint64(&capabilityFailures),
	}
}

// ResetMetrics clears all counters.
func ResetMetrics() {
	atomic.StoreUint64(&launchCount, 0)
	atomic.StoreUint64(&terminationCount, 0)
	atomic.StoreUint64(&exitCount, 0)
	atomic.StoreUint64(&interruptsQueued, 0)
	atomic.StoreUint64(&interruptsInjected, 0)
	atomic.StoreUint64(&forcedInjections, 0)
	atomic.StoreUint64(&windowRequests, 0)
	atomic.StoreUint64(&eptSwitches, 0)
	atomic.StoreUint64(&hardwareFaults, 0)
	atomic.StoreUint64(&resourceErrors, 0)
	atomic.StoreUint64(&capabilityFailures, 0)
}

func recordLaunch()            { atomic.AddUint64(&launchCount, 1) }
func recordTermination()       { atomic.AddUint64(&terminationCount, 1) }
func recordExit()              { atomic.AddUint64(&exitCount, 1) }
func recordInterruptQueued()   { atomic.AddUint64(&interruptsQueued, 1) }
func recordInterruptInjected() { atomic.AddUint64(&interruptsInjected, 1) }
func recordForcedInjection()   { atomic.AddUint64(&forcedInjections, 1) }
func recordWindowRequest()     { atomic.AddUint64(&windowRequests, 1) }
func recordEPTSwitch()         { atomic.AddUint64(&eptSwitches, 1) }
func recordHardwareFault()     { atomic.AddUint64(&hardwareFaults, 1) }
func recordResourceError()     { atomic.AddUint64(&resourceErrors, 1) }
func recordCapabilityFailure() { atomic.AddUint64(&capabilityFailures, 1) }
