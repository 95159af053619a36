package hvpp

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes the operation counters as Prometheus metrics. Register
// it with a prometheus.Registerer; collection reads the same atomics the
// interception paths increment.
type Collector struct {
	launches     *prometheus.Desc
	terminations *prometheus.Desc
	exits        *prometheus.Desc
	queued       *prometheus.Desc
	injected     *prometheus.Desc
	forced       *prometheus.Desc
	windows      *prometheus.Desc
	eptSwitches  *prometheus.Desc
	faults       *prometheus.Desc
	resources    *prometheus.Desc
	capabilities *prometheus.Desc
}

// NewCollector returns a collector over the package counters.
func NewCollector() *Collector {
	return &Collector{
		launches: prometheus.NewDesc("hvpp_launches_total",
			"Processors brought into virtualized mode.", nil, nil),
		terminations: prometheus.NewDesc("hvpp_terminations_total",
			"Processors devirtualized.", nil, nil),
		exits: prometheus.NewDesc("hvpp_exits_total",
			"Intercepted guest events dispatched.", nil, nil),
		queued: prometheus.NewDesc("hvpp_interrupts_queued_total",
			"Interrupts held pending for a delivery window.", nil, nil),
		injected: prometheus.NewDesc("hvpp_interrupts_injected_total",
			"Interrupts written into the entry controls.", nil, nil),
		forced: prometheus.NewDesc("hvpp_forced_injections_total",
			"Interrupts injected bypassing the pending queue.", nil, nil),
		windows: prometheus.NewDesc("hvpp_interrupt_window_requests_total",
			"Delivery windows requested from the guest.", nil, nil),
		eptSwitches: prometheus.NewDesc("hvpp_ept_switches_total",
			"Guest-physical translation context switches.", nil, nil),
		faults: prometheus.NewDesc("hvpp_hardware_faults_total",
			"Hardware-reported control-structure failures.", nil, nil),
		resources: prometheus.NewDesc("hvpp_resource_errors_total",
			"Failed control-region and translation-context allocations.", nil, nil),
		capabilities: prometheus.NewDesc("hvpp_capability_failures_total",
			"Processors refused for missing virtualization capabilities.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.launches
	ch <- c.terminations
	ch <- c.exits
	ch <- c.queued
	ch <- c.injected
	ch <- c.forced
	ch <- c.windows
	ch <- c.eptSwitches
	ch <- c.faults
	ch <- c.resources
	ch <- c.capabilities
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := GetMetrics()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.launches, m.Launches)
	counter(c.terminations, m.Terminations)
	counter(c.exits, m.Exits)
	counter(c.queued, m.InterruptsQueued)
	counter(c.injected, m.InterruptsInjected)
	counter(c.forced, m.ForcedInjections)
	counter(c.windows, m.WindowRequests)
	counter(c.eptSwitches, m.EPTSwitches)
	counter(c.faults, m.HardwareFaults)
	counter(c.resources, m.ResourceErrors)
	counter(c.capabilities, m.CapabilityFailures)
}
