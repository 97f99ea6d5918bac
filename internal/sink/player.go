// ABOUTME: Proxy for one LMS player (the network sink endpoint)
// ABOUTME: Cached mode/power/url, load/play/pause commands, mode watches
package sink

import (
	"context"
	"log"
	"sync"
	"time"
)

// ModePlay is the transport mode the server reports while playing; the
// other modes are "pause" and "stop".
const ModePlay = "play"

// Player mirrors one player on the server. Refresh re-reads its attributes;
// every observed mode value is offered, in order, to registered watches,
// which makes the poll loop the sink's notification stream.
type Player struct {
	srv  *Server
	id   string
	name string

	// refreshMu serializes whole Refresh cycles. The poll loop and the
	// synchronizer's re-reads overlap; without this, two responses could
	// reach the watches out of arrival order.
	refreshMu sync.Mutex

	mu      sync.Mutex
	power   bool
	mode    string
	url     string
	watches []*Watch
}

// Name returns the player's configured name.
func (p *Player) Name() string { return p.name }

// ID returns the player identifier (its MAC) used in commands.
func (p *Player) ID() string { return p.id }

// Power reports the cached power state.
func (p *Player) Power() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power
}

// Mode reports the cached transport mode.
func (p *Player) Mode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// URL reports the cached stream URL.
func (p *Player) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Refresh re-reads mode, power, and the current stream URL, then dispatches
// the observed mode to pending watches. Concurrent calls are serialized so
// watches always see modes in response order.
func (p *Player) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	result, err := p.srv.Request(ctx, p.id, []interface{}{"status", "-", "1"})
	if err != nil {
		return err
	}

	mode, _ := result["mode"].(string)
	power := truthy(result["power"])

	var url string
	if loop, ok := result["playlist_loop"].([]interface{}); ok && len(loop) > 0 {
		if fields, ok := loop[0].(map[string]interface{}); ok {
			url, _ = fields["url"].(string)
		}
	}

	p.mu.Lock()
	p.mode = mode
	p.power = power
	p.url = url
	watches := p.pruneWatchesLocked()
	p.mu.Unlock()

	for _, w := range watches {
		w.Offer(mode)
	}
	return nil
}

// pruneWatchesLocked drops done watches and returns the live ones.
func (p *Player) pruneWatchesLocked() []*Watch {
	live := p.watches[:0]
	for _, w := range p.watches {
		if !w.Done() {
			live = append(live, w)
		}
	}
	p.watches = live
	return append([]*Watch(nil), live...)
}

// WatchMode registers a single-shot watch over the player's mode. The watch
// resolves on the first subsequently observed mode satisfying pred; the
// current cached value is deliberately not offered, so arming right after a
// command cannot resolve against stale state.
func (p *Player) WatchMode(pred func(string) bool) *Watch {
	w := NewWatch(pred)
	p.mu.Lock()
	p.watches = append(p.watches, w)
	p.mu.Unlock()
	return w
}

// Load replaces the player's playlist with url and starts it.
func (p *Player) Load(ctx context.Context, url string) error {
	_, err := p.srv.Request(ctx, p.id, []interface{}{"playlist", "play", url})
	return err
}

// Play resumes playback.
func (p *Player) Play(ctx context.Context) error {
	_, err := p.srv.Request(ctx, p.id, []interface{}{"play"})
	return err
}

// Pause pauses playback unconditionally.
func (p *Player) Pause(ctx context.Context) error {
	_, err := p.srv.Request(ctx, p.id, []interface{}{"pause", "1"})
	return err
}

// Run polls the server until ctx is cancelled, feeding the watch stream.
func (p *Player) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Sink refresh failed for %s: %v", p.name, err)
			}
		}
	}
}
