package ws

import (
	"context"
	"time"
)

// Pulser is implemented by handlers that track liveness elsewhere, such as a
// presence store. OnHeartbeat runs once per heartbeat round for every
// connection that is still considered alive.
type Pulser interface {
	OnHeartbeat(ctx context.Context, c Client)
}

// runHeartbeat pings every connection each interval until the server shuts
// down. A connection with no read for interval+grace is removed.
func (s *Server) runHeartbeat(interval, grace time.Duration) {
	if interval <= 0 {
		interval = DefaultServerConfig().HeartbeatInterval
	}
	if grace < 0 {
		grace = 0
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			alive, stale := s.sweep(now, interval+grace)
			if stale > 0 {
				s.logger.Debug().Int("alive", alive).Int("stale", stale).Msg("heartbeat round")
			}
		}
	}
}

// sweep runs one heartbeat round. Browsers answer protocol pings on their
// own, and the pong counts as a read.
func (s *Server) sweep(now time.Time, deadline time.Duration) (alive, stale int) {
	pulser, _ := s.handler.(Pulser)

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info().Str("conn", c.ID()).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			stale++
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str("conn", c.ID()).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
			stale++
			continue
		}
		if pulser != nil {
			pulser.OnHeartbeat(ctx, c)
		}
		alive++
	}
	return alive, stale
}
