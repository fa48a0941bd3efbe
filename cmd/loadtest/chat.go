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
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/conversation"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/loadtest"
	"github.com/foodfast/realtime/internal/protocol"
)

// stampPrefix marks message content carrying its send time so the receiving
// agent can compute delivery latency.
const stampPrefix = "lt:"

func stamp(t time.Time, filler string) string {
	return stampPrefix + strconv.FormatInt(t.UnixNano(), 10) + ":" + filler
}

func unstamp(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	ns, _, _ := strings.Cut(rest, ":")
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// pair is one customer talking to one agent.
type pair struct {
	conversationID string
	customer       *loadtest.Client
	agent          *loadtest.Client
}

// runChat drives the support chat flow. Each customer opens a conversation
// over REST; an agent assigns it over WebSocket; the customer then sends
// messages that the agent receives as NEW_MESSAGE events.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var node nodeFlags
	node.register(fs)
	pairs := fs.Int("pairs", 100, "Number of customer/agent pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "Interval between customer messages")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, node.wsURL, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := node.tokens()
	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(node.metricsURL, node.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	customerID := func(i int) auth.Identity {
		return auth.Identity{UserID: fmt.Sprintf("lt-cust-%d", i), Name: fmt.Sprintf("Customer %d", i), Role: auth.RoleCustomer}
	}
	agentID := func(i int) auth.Identity {
		return auth.Identity{UserID: fmt.Sprintf("lt-agent-%d", i), Name: fmt.Sprintf("Agent %d", i), Role: auth.RoleSupportAgent}
	}

	fmt.Println("\n--- Phase 1: Open conversations ---")
	conversations := make([]string, *pairs)
	for i := range conversations {
		var conv conversation.Conversation
		err := postJSON(ctx, httpClient, node.apiURL+"/api/chat/conversations", mustToken(tokens, customerID(i)),
			map[string]string{"initialMessage": "Where is my order?", "subject": "load test"}, &conv)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "  create conversation %d: %v\n", i, err)
			collector.AddError()
			continue
		}
		conversations[i] = conv.ID
	}

	fmt.Println("\n--- Phase 2: Connect customers and agents ---")
	clients, interrupted := ramp(ctx, "connect", *pairs*2, *rampUp, node.concurrency, collector,
		func(ctx context.Context, i int) (*loadtest.Client, error) {
			id := customerID(i / 2)
			if i%2 == 1 {
				id = agentID(i / 2)
			}
			return loadtest.Dial(ctx, node.wsURL, mustToken(tokens, id))
		})
	defer closeAll(clients)

	var active []pair
	for i, convID := range conversations {
		customer, agent := clients[i*2], clients[i*2+1]
		if convID == "" || customer == nil || agent == nil {
			continue
		}
		active = append(active, pair{conversationID: convID, customer: customer, agent: agent})
	}
	if interrupted || len(active) == 0 {
		fmt.Println("No pairs ready; skipping chat phase.")
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	fmt.Printf("\n--- Phase 3: Running %d chat pairs ---\n", len(active))
	filler := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]

	var sent, delivered atomic.Int64
	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  delivered: %d  errors: %d\n",
					sent.Load(), delivered.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	chatStart := time.Now()
	var wg sync.WaitGroup
	for _, p := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPair(ctx, p, *chatDuration, *msgInterval, filler, collector, &sent, &delivered)
		}()
	}
	wg.Wait()
	close(progressStop)

	elapsed := time.Since(chatStart)
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs:          %d\n", len(active))
	fmt.Printf("Messages sent:  %d\n", sent.Load())
	fmt.Printf("Delivered:      %d\n", delivered.Load())
	if s := elapsed.Seconds(); s > 0 {
		fmt.Printf("Throughput:     %.1f msg/s\n", float64(sent.Load())/s)
	}

	scraper.Stop()
	collector.Report(os.Stdout)
}

// runPair assigns the conversation to the agent, exchanges messages for
// chatDuration and closes the conversation.
func runPair(
	ctx context.Context,
	p pair,
	chatDuration, msgInterval time.Duration,
	filler string,
	collector *loadtest.Collector,
	sent, delivered *atomic.Int64,
) {
	p.agent.OnEvent(fanout.EventNewMessage, func(e fanout.Event) {
		var m conversation.Message
		if err := e.Decode(&m); err != nil {
			return
		}
		if at, ok := unstamp(m.Content); ok {
			collector.AddDelivery(time.Since(at))
			delivered.Add(1)
		}
	})

	assigned := make(chan struct{}, 1)
	p.agent.On(protocol.TypeAck, func(json.RawMessage) {
		select {
		case assigned <- struct{}{}:
		default:
		}
	})
	if err := p.agent.Send(protocol.ConversationMsg{Type: protocol.TypeAssign, ConversationID: p.conversationID}); err != nil {
		collector.AddError()
		return
	}
	select {
	case <-assigned:
	case <-time.After(10 * time.Second):
		collector.AddError()
		return
	case <-ctx.Done():
		return
	}

	chatCtx, cancel := context.WithTimeout(ctx, chatDuration)
	defer cancel()
	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

	for {
		select {
		case <-chatCtx.Done():
			// Let in-flight messages land before closing.
			time.Sleep(time.Second)
			if err := p.customer.Send(protocol.ConversationMsg{Type: protocol.TypeCloseChat, ConversationID: p.conversationID}); err != nil {
				collector.AddError()
			}
			return
		case now := <-ticker.C:
			err := p.customer.Send(protocol.SendMessageMsg{
				Type:           protocol.TypeSendMessage,
				ConversationID: p.conversationID,
				Content:        stamp(now, filler),
			})
			if err != nil {
				collector.AddError()
				return
			}
			collector.Expect(1)
			sent.Add(1)
		}
	}
}
