package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/loadtest"
)

// nodeFlags are the connection options shared by every scenario.
type nodeFlags struct {
	wsURL          string
	apiURL         string
	metricsURL     string
	secret         string
	issuer         string
	concurrency    int
	scrapeInterval time.Duration
}

func (n *nodeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&n.wsURL, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	fs.StringVar(&n.apiURL, "api", "http://localhost:8080", "HTTP API base URL")
	fs.StringVar(&n.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.StringVar(&n.secret, "secret", os.Getenv("AUTH_SECRET"), "Token signing secret (defaults to $AUTH_SECRET)")
	fs.StringVar(&n.issuer, "issuer", "foodfast", "Token issuer")
	fs.IntVar(&n.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.DurationVar(&n.scrapeInterval, "scrape-interval", 2*time.Second, "Interval between metrics scrapes")
}

// tokens mints bearer tokens the node will accept. The node must share the
// signing secret.
func (n *nodeFlags) tokens() *auth.TokenService {
	if n.secret == "" {
		fmt.Fprintln(os.Stderr, "warning: no signing secret given; the node will reject every token")
	}
	return auth.NewTokenService(auth.Config{Secret: n.secret, Issuer: n.issuer, TokenTTL: 6 * time.Hour})
}

func mustToken(ts *auth.TokenService, id auth.Identity) string {
	tok, err := ts.Issue(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	return tok
}

// ramp launches n dial attempts spread over rampUp, at most concurrency at a
// time, and returns the clients that connected indexed by attempt. Missing
// clients are nil. interrupted reports whether ctx ended first.
func ramp(
	ctx context.Context,
	label string,
	n int,
	rampUp time.Duration,
	concurrency int,
	collector *loadtest.Collector,
	dial func(ctx context.Context, i int) (*loadtest.Client, error),
) (clients []*loadtest.Client, interrupted bool) {
	clients = make([]*loadtest.Client, n)

	interval := rampUp / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				count := collector.ConnectionCount()
				rate := float64(count-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					label, count, n, collector.ErrorCount(), rate)
				lastCount = count
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	ticker := time.NewTicker(interval)

launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := dial(connCtx, i)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)
			clients[i] = c
		}()
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), n, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

func closeAll(clients []*loadtest.Client) {
	fmt.Println("\nClosing connections...")
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

// postJSON sends body to the API as the holder of token and decodes the
// response into out when out is non-nil.
func postJSON(ctx context.Context, client *http.Client, url, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: %s: %s", url, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
