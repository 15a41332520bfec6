// Package stats aggregates load test measurements from many clients and
// prints a percentile summary.
package stats

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates metrics from many clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	saveLatencies    []time.Duration
	deliverLatencies []time.Duration
	errors           int
	connections      int
	startTime        time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a connection and its latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSaved records send_message to message_saved latency.
func (c *Collector) AddSaved(d time.Duration) {
	c.mu.Lock()
	c.saveLatencies = append(c.saveLatencies, d)
	c.mu.Unlock()
}

// AddDelivered records send_message to receive_message latency.
func (c *Collector) AddDelivered(d time.Duration) {
	c.mu.Lock()
	c.deliverLatencies = append(c.deliverLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Counts returns connections, saved, delivered and errors so far.
func (c *Collector) Counts() (connections, saved, delivered, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections, len(c.saveLatencies), len(c.deliverLatencies), c.errors
}

// Report writes a summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Millisecond))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	for _, section := range []struct {
		title string
		data  []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Save Latency", c.saveLatencies},
		{"Delivery Latency", c.deliverLatencies},
	} {
		if len(section.data) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", section.title)
		fmt.Fprintln(w, Summarize(section.data))
	}
	fmt.Fprintln(w)
}

// Summary holds a percentile distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N)
}

// Summarize computes the distribution of durations. It does not modify the
// input slice.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*p))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}
