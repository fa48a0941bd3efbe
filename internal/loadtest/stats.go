package loadtest

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates what many clients observe. It is safe for concurrent
// use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveries       []time.Duration
	errors           int
	connections      int
	expected         int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose findings are included in
// the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddDelivery records the time from publish to receipt of one event.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// Expect adds n to the number of deliveries the scenario intends to see.
func (c *Collector) Expect(n int) {
	c.mu.Lock()
	c.expected += n
	c.mu.Unlock()
}

// AddError counts one failure.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func (c *Collector) DeliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

// Distribution summarizes a set of latencies.
type Distribution struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of ds. ds is not modified.
func Summarize(ds []time.Duration) Distribution {
	n := len(ds)
	if n == 0 {
		return Distribution{}
	}
	sorted := slices.Clone(ds)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(p float64) time.Duration {
		i := int(math.Ceil(float64(n)*p)) - 1
		return sorted[max(i, 0)]
	}
	return Distribution{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (d Distribution) String() string {
	r := func(v time.Duration) time.Duration { return v.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(d.Avg), r(d.P50), r(d.P95), r(d.P99), r(d.Max), d.N)
}

// Report writes a summary of everything collected to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if attempts := c.connections + c.errors; attempts > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}
	if c.expected > 0 {
		fmt.Fprintf(w, "Delivered:    %d/%d (%.2f%%)\n", len(c.deliveries), c.expected,
			float64(len(c.deliveries))/float64(c.expected)*100)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.connectLatencies).String())
	}
	if len(c.deliveries) > 0 {
		fmt.Fprintln(w, "\n--- Delivery Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.deliveries).String())
	}
	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}
