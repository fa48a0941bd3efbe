package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/loadtest"
)

// runSaturate opens the requested number of customer connections, then holds
// them while counting drops. It finds the connection count at which the node
// starts rejecting or shedding clients.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	var node nodeFlags
	node.register(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, node.wsURL, *rampUp, *hold, node.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := node.tokens()
	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(node.metricsURL, node.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	// Each simulated user connects once; the connect rate limit is per user.
	clients, interrupted := ramp(ctx, "ramp", *connections, *rampUp, node.concurrency, collector,
		func(ctx context.Context, i int) (*loadtest.Client, error) {
			tok := mustToken(tokens, auth.Identity{
				UserID: fmt.Sprintf("lt-sat-%d", i),
				Name:   fmt.Sprintf("Load %d", i),
				Role:   auth.RoleCustomer,
			})
			return loadtest.Dial(ctx, node.wsURL, tok)
		})

	if !interrupted {
		holdConnections(ctx, clients, *hold)
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

func holdConnections(ctx context.Context, clients []*loadtest.Client, hold time.Duration) {
	fmt.Println("\n--- Hold phase ---")
	initial := 0
	for _, c := range clients {
		if c != nil {
			initial++
		}
	}
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	holdTimer := time.NewTimer(hold)
	defer holdTimer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	report := func() {
		alive := 0
		for _, c := range clients {
			if c != nil && c.Alive() {
				alive++
			}
		}
		fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			report()
			return
		case <-holdTimer.C:
			fmt.Println("\nHold period complete.")
			report()
			return
		case <-status.C:
			report()
		}
	}
}
