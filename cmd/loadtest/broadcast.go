package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/foodfast/realtime/internal/announce"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/loadtest"
)

// runBroadcast subscribes many SSE clients to one announcement category and
// has an admin broadcast to it, measuring how long each announcement takes to
// reach every subscriber.
func runBroadcast(args []string) {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	var node nodeFlags
	node.register(fs)
	subscribers := fs.Int("subscribers", 500, "Number of SSE subscribers")
	category := fs.String("category", announce.CategoryPromotion, "Announcement category")
	count := fs.Int("count", 20, "Number of announcements to broadcast")
	interval := fs.Duration("interval", time.Second, "Interval between announcements")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for subscribers")
	fs.Parse(args)

	if !announce.IsCategory(*category) {
		fmt.Fprintf(os.Stderr, "unknown category %q (want one of %v)\n", *category, announce.Categories())
		os.Exit(2)
	}
	fmt.Printf("Broadcast test: %d subscribers on %q, %d announcements every %s\n",
		*subscribers, *category, *count, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	subCtx, closeStreams := context.WithCancel(ctx)
	defer closeStreams()

	tokens := node.tokens()
	runID := strconv.FormatInt(time.Now().Unix(), 36)
	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(node.metricsURL, node.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Announcement title -> broadcast time.
	var sentAt sync.Map
	var received atomic.Int64
	onEvent := func(e loadtest.SSEEvent) {
		if e.Type != string(fanout.EventAnnouncement) {
			return
		}
		var a announce.Announcement
		if err := json.Unmarshal([]byte(e.Data), &a); err != nil {
			collector.AddError()
			return
		}
		if at, ok := sentAt.Load(a.Title); ok {
			collector.AddDelivery(time.Since(at.(time.Time)))
			received.Add(1)
		}
	}

	fmt.Println("\n--- Phase 1: Subscribe ---")
	streamURL := fmt.Sprintf("%s/api/announcements/%s/stream", node.apiURL, *category)
	// Streams stay open for the whole run; the client must not time them out.
	streamClient := &http.Client{}
	var streams atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, max(node.concurrency, 1))
	gap := *rampUp / time.Duration(max(*subscribers, 1))
	for i := 0; i < *subscribers && ctx.Err() == nil; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			tok := mustToken(tokens, auth.Identity{UserID: fmt.Sprintf("lt-sub-%d", i), Role: auth.RoleCustomer})
			done, latency, err := loadtest.Subscribe(subCtx, streamClient, streamURL, tok, onEvent)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(latency)
			streams.Add(1)
			go func() {
				<-done
				streams.Add(-1)
			}()
		}()
		time.Sleep(gap)
	}
	wg.Wait()
	fmt.Printf("Subscribed: %d/%d (%d errors)\n", collector.ConnectionCount(), *subscribers, collector.ErrorCount())

	fmt.Println("\n--- Phase 2: Broadcast ---")
	admin := mustToken(tokens, auth.Identity{UserID: "lt-admin", Name: "Load Admin", Role: auth.RoleAdmin})
	apiClient := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

broadcast:
	for n := 0; n < *count; n++ {
		select {
		case <-ctx.Done():
			break broadcast
		case <-ticker.C:
		}
		listeners := streams.Load()
		title := fmt.Sprintf("Load test %s #%d", runID, n)
		sentAt.Store(title, time.Now())
		err := postJSON(ctx, apiClient, node.apiURL+"/api/announcements", admin, map[string]any{
			"title":   title,
			"message": "Synthetic announcement",
			"type":    *category,
		}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  broadcast %d: %v\n", n, err)
			collector.AddError()
			continue
		}
		collector.Expect(int(listeners))
		fmt.Printf("  [broadcast] %d/%d  listeners: %d  received so far: %d\n", n+1, *count, listeners, received.Load())
	}

	// Give the last announcement time to land.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	closeStreams()

	scraper.Stop()
	collector.Report(os.Stdout)
}
