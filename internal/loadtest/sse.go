package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SSEEvent is one event read from an event stream.
type SSEEvent struct {
	ID   string
	Type string
	Data string
}

// Subscribe opens the event stream at streamURL as the holder of token and
// calls h for every event until ctx ends or the stream closes. It returns
// once the response headers arrive; the returned channel is closed with the
// stream.
func Subscribe(ctx context.Context, client *http.Client, streamURL, token string, h func(SSEEvent)) (<-chan struct{}, time.Duration, error) {
	target, err := WithToken(streamURL, token)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("loadtest: subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("loadtest: subscribe: %s", resp.Status)
	}
	latency := time.Since(start)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer resp.Body.Close()

		var cur SSEEvent
		var data []string
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if len(data) > 0 {
					cur.Data = strings.Join(data, "\n")
					h(cur)
				}
				cur, data = SSEEvent{}, data[:0]
				continue
			}
			if line[0] == ':' {
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				cur.ID = value
			case "event":
				cur.Type = value
			case "data":
				data = append(data, value)
			}
		}
	}()
	return done, latency, nil
}
