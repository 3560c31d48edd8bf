// Package ratemonitor tracks recent harvest throughput over a sliding window.
package ratemonitor

import "time"

// Tick is the smallest elapsed span used when computing throughput.
const Tick = time.Second

// Sample is one step's tally.
type Sample struct {
	At        time.Time
	Extracted int
	Accepted  int
}

// Throughput is expressed in records per hour.
type Throughput struct {
	ExtractedPerHour float64
	AcceptedPerHour  float64
}

// Monitor keeps the samples that fall inside the trailing window. It is owned
// by a single loop and is not safe for concurrent use.
type Monitor struct {
	window  time.Duration
	mark    time.Time
	samples []Sample
}

// New creates a Monitor whose throughput is measured from start until samples
// begin to fall out of the window.
func New(window time.Duration, start time.Time) *Monitor {
	return &Monitor{window: window, mark: start}
}

// Record appends a sample and evicts samples older than the window relative
// to now. The time of the last evicted sample becomes the measurement mark.
func (m *Monitor) Record(now time.Time, extracted, accepted int) {
	m.samples = append(m.samples, Sample{At: now, Extracted: extracted, Accepted: accepted})
	drop := 0
	for drop < len(m.samples) && now.Sub(m.samples[drop].At) > m.window {
		m.mark = m.samples[drop].At
		drop++
	}
	if drop > 0 {
		m.samples = append(m.samples[:0], m.samples[drop:]...)
	}
}

// Throughput sums the retained samples and divides by the hours elapsed
// between the mark and the newest sample.
func (m *Monitor) Throughput() Throughput {
	if len(m.samples) == 0 {
		return Throughput{}
	}
	extracted, accepted := m.Totals()
	elapsed := m.samples[len(m.samples)-1].At.Sub(m.mark)
	if elapsed < Tick {
		elapsed = Tick
	}
	hours := elapsed.Hours()
	return Throughput{
		ExtractedPerHour: float64(extracted) / hours,
		AcceptedPerHour:  float64(accepted) / hours,
	}
}

// Samples returns a copy of the retained samples, oldest first.
func (m *Monitor) Samples() []Sample {
	return append([]Sample(nil), m.samples...)
}

// Totals sums the retained samples.
func (m *Monitor) Totals() (extracted, accepted int) {
	for _, s := range m.samples {
		extracted += s.Extracted
		accepted += s.Accepted
	}
	return extracted, accepted
}
