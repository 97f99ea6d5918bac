// ABOUTME: Bridge daemon core tying the D-Bus source side to the LMS sink side
// ABOUTME: Handles discovery, player selection, pairing lifecycle, and fan-out
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/SqueezeLink/squeezelink-go/internal/bus"
	"github.com/SqueezeLink/squeezelink-go/internal/hub"
	"github.com/SqueezeLink/squeezelink-go/internal/metadata"
	"github.com/SqueezeLink/squeezelink-go/internal/sink"
	"github.com/SqueezeLink/squeezelink-go/internal/source"
	"github.com/SqueezeLink/squeezelink-go/internal/syncer"
)

// Config holds bridge configuration
type Config struct {
	Bus    *bus.Conn
	Server *sink.Server

	// PlayerName is the fallback player when no player is powered on.
	PlayerName string

	// BaseStreamURL overrides the capture stream prefix when set.
	BaseStreamURL string

	// RecheckInterval paces the periodic sink player health check.
	RecheckInterval time.Duration
	// PollInterval paces the sink status poll that feeds mode watches.
	PollInterval time.Duration

	Metadata *metadata.Writer
	Hub      *hub.Hub

	// Notify receives every event the bridge also broadcasts on the hub.
	Notify func(hub.Event)
}

const (
	defaultRecheckInterval = 60 * time.Second
	defaultPollInterval    = 2 * time.Second
)

// Bridge runs one source/sink synchronization end to end.
type Bridge struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sinkProxy  *sinkProxy
	sinkCancel context.CancelFunc
	srcPlayer  *source.Player
	srcPath    dbus.ObjectPath
	propCh     <-chan bus.PropertyChange
	pairing    *syncer.Pairing
}

// New creates a bridge from cfg.
func New(cfg Config) *Bridge {
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = defaultRecheckInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		sinkProxy: &sinkProxy{},
	}
}

// Start selects the sink player, attaches to any already-present source, and
// begins watching for new sources. It fails when no usable player exists.
func (b *Bridge) Start() error {
	player, err := b.selectPlayer(b.ctx)
	if err != nil {
		return fmt.Errorf("no usable player on server: %w", err)
	}
	b.adoptPlayer(player)

	appearances, err := b.cfg.Bus.WatchInterfacesAdded(16)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go b.watchAppearances(appearances)

	paths, err := b.cfg.Bus.ManagedObjects(b.ctx, source.PlayerInterface)
	if err != nil {
		return fmt.Errorf("failed to enumerate media players: %w", err)
	}
	for _, path := range paths {
		log.Printf("Found existing media player %s", path)
		b.attachSource(path)
	}

	b.wg.Add(1)
	go b.recheckLoop()

	return nil
}

// Close stops all bridge goroutines and tears down the active pairing.
func (b *Bridge) Close() {
	b.cancel()

	b.mu.Lock()
	if b.pairing != nil {
		b.pairing.Close()
		b.pairing = nil
	}
	if b.propCh != nil {
		b.cfg.Bus.UnwatchProperties(b.srcPath, b.propCh)
		b.propCh = nil
	}
	if b.sinkCancel != nil {
		b.sinkCancel()
		b.sinkCancel = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// selectPlayer prefers a powered-on player and falls back to the configured
// default by name.
func (b *Bridge) selectPlayer(ctx context.Context) (*sink.Player, error) {
	players, err := b.cfg.Server.Players(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range players {
		if p.Power() {
			log.Printf("Using powered-on player %q (%s)", p.Name(), p.ID())
			return p, nil
		}
	}
	log.Printf("No powered-on player, falling back to %q", b.cfg.PlayerName)
	return b.cfg.Server.PlayerByName(ctx, b.cfg.PlayerName)
}

// adoptPlayer swaps the sink endpoint behind the proxy and restarts the poll
// loop. A live pairing is rebuilt so its watches bind to the new player.
func (b *Bridge) adoptPlayer(p *sink.Player) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sinkCancel != nil {
		b.sinkCancel()
	}
	b.sinkProxy.set(p)

	pollCtx, cancel := context.WithCancel(b.ctx)
	b.sinkCancel = cancel
	go p.Run(pollCtx, b.cfg.PollInterval)

	b.emit(hub.Event{Type: "player/selected", Payload: map[string]string{
		"name": p.Name(),
		"id":   p.ID(),
	}})

	if b.pairing != nil {
		b.pairing.Close()
		b.startPairingLocked()
	}
}

// attachSource binds the bridge to the media player at path, superseding any
// previous source.
func (b *Bridge) attachSource(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pairing != nil {
		b.pairing.Close()
		b.pairing = nil
	}
	if b.propCh != nil {
		b.cfg.Bus.UnwatchProperties(b.srcPath, b.propCh)
		b.propCh = nil
	}

	propCh, err := b.cfg.Bus.WatchProperties(path, 16)
	if err != nil {
		log.Printf("Failed to watch properties of %s: %v", path, err)
		return
	}

	b.srcPlayer = source.NewPlayer(b.cfg.Bus, path)
	b.srcPath = path
	b.propCh = propCh

	b.startPairingLocked()

	// One forwarder per subscription; it ends when the channel is closed by
	// the next attach or by Close.
	b.wg.Add(1)
	go b.forwardProperties(propCh)

	b.emit(hub.Event{Type: "pairing/attached", Payload: map[string]string{
		"path": string(path),
	}})
}

// startPairingLocked creates and starts a pairing for the current endpoints.
// Caller holds b.mu.
func (b *Bridge) startPairingLocked() {
	if b.srcPlayer == nil {
		return
	}

	pairing := syncer.New(syncer.Config{
		Source:        b.srcPlayer,
		Sink:          b.sinkProxy,
		BaseStreamURL: b.cfg.BaseStreamURL,
		OnTrack:       b.handleTrack,
		OnCommand: func(target, command string) {
			b.emit(hub.Event{Type: "command/issued", Payload: map[string]string{
				"target":  target,
				"command": command,
			}})
		},
		OnStatus: func(endpoint, state string) {
			eventType := "source/status"
			if endpoint == "sink" {
				eventType = "sink/mode"
			}
			b.emit(hub.Event{Type: eventType, Payload: map[string]string{
				"state": state,
			}})
		},
	})
	b.pairing = pairing

	go pairing.Run()
	pairing.Attach()
}

// forwardProperties feeds source property changes into the current pairing.
// The pairing is looked up per change because a sink swap rebuilds it while
// the subscription stays live.
func (b *Bridge) forwardProperties(propCh <-chan bus.PropertyChange) {
	defer b.wg.Done()

	for change := range propCh {
		if change.Interface != source.PlayerInterface {
			continue
		}
		b.mu.Lock()
		pairing := b.pairing
		b.mu.Unlock()
		if pairing == nil {
			continue
		}
		if v, ok := change.Changed["Status"]; ok {
			if status, ok := v.Value().(string); ok {
				pairing.SubmitStatus(status)
			}
		}
		if v, ok := change.Changed["Track"]; ok {
			if track, ok := v.Value().(map[string]dbus.Variant); ok {
				pairing.SubmitTrack(source.TrackFromVariant(track))
			}
		}
	}
}

// watchAppearances attaches to every newly appearing media player.
func (b *Bridge) watchAppearances(appearances <-chan bus.ObjectAppeared) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case appeared, ok := <-appearances:
			if !ok {
				return
			}
			for _, iface := range appeared.Interfaces {
				if iface == source.PlayerInterface {
					log.Printf("Media player appeared at %s", appeared.Path)
					b.attachSource(appeared.Path)
					break
				}
			}
		}
	}
}

// recheckLoop periodically verifies the selected player is still powered on
// and reselects when it is not. A server without any usable player is logged
// and retried; the bridge keeps running.
func (b *Bridge) recheckLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.recheckPlayer()
		}
	}
}

func (b *Bridge) recheckPlayer() {
	current := b.sinkProxy.get()
	if current != nil {
		if err := current.Refresh(b.ctx); err == nil && current.Power() {
			return
		}
	}

	log.Printf("Selected player unavailable or powered off, reselecting")
	player, err := b.selectPlayer(b.ctx)
	if err != nil {
		log.Printf("Player reselection failed: %v", err)
		return
	}
	if current != nil && player.ID() == current.ID() {
		return
	}
	b.adoptPlayer(player)
}

// handleTrack persists now-playing metadata and broadcasts it.
func (b *Bridge) handleTrack(track map[string]string) {
	if b.cfg.Metadata != nil {
		if err := b.cfg.Metadata.WriteTrack(track); err != nil {
			log.Printf("Failed to write track metadata: %v", err)
		}
	}
	b.emit(hub.Event{Type: "track/updated", Payload: track})
}

// emit fans an event out to the hub and the local observer.
func (b *Bridge) emit(event hub.Event) {
	if b.cfg.Hub != nil {
		b.cfg.Hub.Broadcast(event)
	}
	if b.cfg.Notify != nil {
		b.cfg.Notify(event)
	}
}

// sinkProxy lets the pairing address "the selected player" while the bridge
// swaps the underlying player during rechecks.
type sinkProxy struct {
	mu sync.Mutex
	p  *sink.Player
}

func (s *sinkProxy) set(p *sink.Player) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

func (s *sinkProxy) get() *sink.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

func (s *sinkProxy) Refresh(ctx context.Context) error { return s.get().Refresh(ctx) }
func (s *sinkProxy) Mode() string                      { return s.get().Mode() }
func (s *sinkProxy) URL() string                       { return s.get().URL() }
func (s *sinkProxy) Load(ctx context.Context, url string) error {
	return s.get().Load(ctx, url)
}
func (s *sinkProxy) Play(ctx context.Context) error  { return s.get().Play(ctx) }
func (s *sinkProxy) Pause(ctx context.Context) error { return s.get().Pause(ctx) }
func (s *sinkProxy) WatchMode(pred func(string) bool) *sink.Watch {
	return s.get().WatchMode(pred)
}
