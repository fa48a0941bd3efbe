package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the node's metrics at one point in time.
type snapshot struct {
	at            time.Time
	connections   float64
	subscriptions float64
	openStreams   float64
	activePolls   float64
	published     float64
	deliveries    float64
	failures      float64
	pollWaitSum   float64
	pollWaitCount float64
}

// Scraper periodically reads a node's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx ends or Stop
// is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // node not up yet
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads the text exposition format. Labelled series of the
// same metric are summed.
func parseSnapshot(r io.Reader) (snapshot, error) {
	var snap snapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "foodfast_ws_connections":
			snap.connections += value
		case "foodfast_subscriptions":
			snap.subscriptions += value
		case "foodfast_open_streams":
			snap.openStreams += value
		case "foodfast_active_polls":
			snap.activePolls += value
		case "foodfast_events_published_total":
			snap.published += value
		case "foodfast_deliveries_total":
			snap.deliveries += value
		case "foodfast_delivery_failures_total":
			snap.failures += value
		case "foodfast_poll_wait_seconds_sum":
			snap.pollWaitSum += value
		case "foodfast_poll_wait_seconds_count":
			snap.pollWaitCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` into the bare name and value.
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if open := strings.IndexByte(line, '{'); open != -1 {
		end := strings.LastIndexByte(line, '}')
		if end < open {
			return "", 0, false
		}
		name, rest = line[:open], line[end+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", 0, false
		}
	}
	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes the initial, final and peak value of each gauge and counter.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics ---")
	fmt.Fprintf(w, "  Scrapes: %d over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Subscriptions", func(s snapshot) float64 { return s.subscriptions }},
		{"Open Streams", func(s snapshot) float64 { return s.openStreams }},
		{"Active Polls", func(s snapshot) float64 { return s.activePolls }},
		{"Published", func(s snapshot) float64 { return s.published }},
		{"Deliveries", func(s snapshot) float64 { return s.deliveries }},
		{"Failures", func(s snapshot) float64 { return s.failures }},
	}
	fmt.Fprintf(w, "  %-14s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		peak := math.Inf(-1)
		for _, sn := range snaps {
			peak = math.Max(peak, r.get(sn))
		}
		fmt.Fprintf(w, "  %-14s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.get(first), r.get(last), r.get(last)-r.get(first), peak)
	}

	if n := last.pollWaitCount - first.pollWaitCount; n > 0 {
		fmt.Fprintf(w, "\n  Poll wait avg: %.3fs (%.0f polls)\n", (last.pollWaitSum-first.pollWaitSum)/n, n)
	}
}
