// ABOUTME: Bidirectional play-state synchronizer for one source/sink pairing
// ABOUTME: Ordered event loop, watch-slot ownership, and the transition policy
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/SqueezeLink/squeezelink-go/internal/bus"
	"github.com/SqueezeLink/squeezelink-go/internal/sink"
	"github.com/SqueezeLink/squeezelink-go/internal/source"
)

// SourcePlayer is the command/read surface of the Bluetooth endpoint.
type SourcePlayer interface {
	Status(ctx context.Context) (string, error)
	DevicePath(ctx context.Context) (string, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
}

// SinkPlayer is the command/read surface of the network player, including
// the property-watch factory the sink library provides.
type SinkPlayer interface {
	Refresh(ctx context.Context) error
	Mode() string
	URL() string
	Load(ctx context.Context, url string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	WatchMode(pred func(string) bool) *sink.Watch
}

// Config wires one pairing. All callbacks are optional and invoked from the
// pairing's event goroutine.
type Config struct {
	Source SourcePlayer
	Sink   SinkPlayer

	// BaseStreamURL is the sink-side URL prefix for the Bluetooth capture
	// stream; the source's hardware address is appended per transition.
	BaseStreamURL string

	// OnTrack receives now-playing metadata verbatim.
	OnTrack func(map[string]string)
	// OnCommand is told about every command issued to either endpoint.
	OnCommand func(target, command string)
	// OnStatus is told about observed endpoint state changes.
	OnStatus func(endpoint, state string)
}

const defaultBaseStreamURL = "wavin:bluealsa"

type direction int

const (
	dirPause direction = iota
	dirPlay
)

func (d direction) String() string {
	if d == dirPause {
		return "pause"
	}
	return "play"
}

type eventKind int

const (
	evAttach eventKind = iota
	evStatus
	evTrack
	evWatch
)

type event struct {
	kind   eventKind
	status string
	track  map[string]string
	dir    direction
}

// Pairing keeps one source and one sink convergent. All policy handlers run
// on the single Run goroutine, so a handler's read-then-command sequence is
// never interleaved with another handler's; the bus and the sink poller
// only enqueue.
type Pairing struct {
	cfg    Config
	events chan event
	ctx    context.Context
	cancel context.CancelFunc

	// Watch slots, touched only from the Run goroutine.
	pauseWatch *sink.Watch
	playWatch  *sink.Watch
}

// New creates a pairing. Run must be started before events are submitted.
func New(cfg Config) *Pairing {
	if cfg.BaseStreamURL == "" {
		cfg.BaseStreamURL = defaultBaseStreamURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pairing{
		cfg:    cfg,
		events: make(chan event, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach schedules the discovery-time initialization for this pairing.
func (p *Pairing) Attach() {
	p.submit(event{kind: evAttach})
}

// SubmitStatus feeds an observed source transport status change.
func (p *Pairing) SubmitStatus(status string) {
	p.submit(event{kind: evStatus, status: status})
}

// SubmitTrack feeds updated now-playing metadata from the source.
func (p *Pairing) SubmitTrack(track map[string]string) {
	p.submit(event{kind: evTrack, track: track})
}

func (p *Pairing) submit(ev event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// Close tears the pairing down: the event loop stops and both watch slots
// are cancelled so their awaiters abandon any pending action.
func (p *Pairing) Close() {
	p.cancel()
}

// Run drains the pairing's event queue until Close. It is the only
// goroutine that reads or writes the watch slots.
func (p *Pairing) Run() {
	defer func() {
		if p.pauseWatch != nil {
			p.pauseWatch.Cancel()
		}
		if p.playWatch != nil {
			p.playWatch.Cancel()
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			switch ev.kind {
			case evAttach:
				p.handleAttach()
			case evStatus:
				p.handleStatus(ev.status)
			case evTrack:
				p.handleTrack(ev.track)
			case evWatch:
				p.handleWatchResolved(ev.dir)
			}
		}
	}
}

// handleAttach derives synchronizer state from current endpoint state
// without replaying history. The process may have restarted while both
// endpoints stayed in a previously synchronized state.
func (p *Pairing) handleAttach() {
	status, err := p.cfg.Source.Status(p.ctx)
	if err != nil {
		if !bus.IsRemoteUnavailable(err) {
			log.Printf("Source status read failed on attach: %v", err)
			return
		}
		// No status property yet, presumably the source is not streaming.
		status = ""
	}
	p.notifyStatus("source", status)

	if status == source.StatusPlaying {
		p.startSink()
		return
	}

	if err := p.cfg.Sink.Refresh(p.ctx); err != nil {
		log.Printf("Sink refresh failed on attach: %v", err)
		return
	}
	if !strings.HasPrefix(p.cfg.Sink.URL(), p.cfg.BaseStreamURL) {
		return
	}
	// Sink is already configured for the Bluetooth stream; just watch it.
	if p.cfg.Sink.Mode() == sink.ModePlay {
		p.armWatch(dirPause)
	} else {
		p.armWatch(dirPlay)
	}
}

// handleStatus runs the source-driven half of the policy. The source's
// status notification is ground truth, so the sink is commanded directly.
func (p *Pairing) handleStatus(status string) {
	p.notifyStatus("source", status)

	switch status {
	case source.StatusPlaying:
		p.startSink()
	case source.StatusPaused, source.StatusStopped:
		p.pauseSink()
	}
}

// startSink loads the Bluetooth stream on the sink, starts it, and arms the
// pause-watch.
func (p *Pairing) startSink() {
	if p.pauseWatch != nil && !p.pauseWatch.Done() {
		// The sink was already driven to playing and is being watched.
		// Re-issuing load/play here would only echo our own prior command.
		log.Printf("Pause watch already set, skipping sink start")
		return
	}
	if p.playWatch != nil && !p.playWatch.Done() {
		p.playWatch.Cancel()
	}

	url, err := p.streamURL()
	if err != nil {
		log.Printf("Cannot derive stream URL: %v", err)
		return
	}

	if err := p.cfg.Sink.Load(p.ctx, url); err != nil {
		log.Printf("Sink load failed: %v", err)
		return
	}
	p.notifyCommand("sink", "load")

	if err := p.cfg.Sink.Play(p.ctx); err != nil {
		log.Printf("Sink play failed: %v", err)
		return
	}
	p.notifyCommand("sink", "play")

	p.armWatch(dirPause)
}

// pauseSink pauses the sink and arms the play-watch.
func (p *Pairing) pauseSink() {
	if p.pauseWatch != nil && !p.pauseWatch.Done() {
		p.pauseWatch.Cancel()
	}

	if err := p.cfg.Sink.Pause(p.ctx); err != nil {
		log.Printf("Sink pause failed: %v", err)
	} else {
		p.notifyCommand("sink", "pause")
	}

	p.armWatch(dirPlay)
}

// armWatch creates a watch for the given direction unless a live one
// already exists. Liveness is judged on that direction's own slot only.
func (p *Pairing) armWatch(d direction) {
	slot := &p.pauseWatch
	pred := func(mode string) bool { return mode != sink.ModePlay }
	if d == dirPlay {
		slot = &p.playWatch
		pred = func(mode string) bool { return mode == sink.ModePlay }
	}

	if *slot != nil && !(*slot).Done() {
		log.Printf("%s watch already set, sink is %s", d, p.cfg.Sink.Mode())
		return
	}

	w := p.cfg.Sink.WatchMode(pred)
	*slot = w
	go p.await(w, d)
}

// await turns a watch resolution into an ordered event. A cancelled watch
// produces nothing; the superseding transition already owns the state.
func (p *Pairing) await(w *sink.Watch, d direction) {
	if err := w.Await(p.ctx); err != nil {
		if !errors.Is(err, sink.ErrWatchCancelled) && p.ctx.Err() == nil {
			log.Printf("Watch await failed: %v", err)
		}
		return
	}
	select {
	case p.events <- event{kind: evWatch, dir: d}:
	case <-p.ctx.Done():
	}
}

// handleWatchResolved runs the sink-driven half of the policy. The sink's
// notification may be an artifact of our own prior command, so state is
// re-verified before any command is sent to the source.
func (p *Pairing) handleWatchResolved(d direction) {
	if d == dirPause {
		p.pauseIfPlaying()
	} else {
		p.playIfPaused()
	}
}

// pauseIfPlaying confirms the sink is not playing and the source still is
// before pausing the source. Either check failing means the states already
// reconciled themselves; commanding anyway would ping-pong.
func (p *Pairing) pauseIfPlaying() {
	if err := p.cfg.Sink.Refresh(p.ctx); err != nil {
		log.Printf("Sink refresh failed after pause watch: %v", err)
		return
	}
	mode := p.cfg.Sink.Mode()
	p.notifyStatus("sink", mode)
	if mode == sink.ModePlay {
		log.Printf("Not pausing source: sink is playing again")
		return
	}

	status, err := p.cfg.Source.Status(p.ctx)
	if err != nil {
		if bus.IsRemoteUnavailable(err) {
			log.Printf("Not pausing source: status unavailable")
		} else {
			log.Printf("Source status read failed: %v", err)
		}
		return
	}
	if status != source.StatusPlaying {
		log.Printf("Not pausing source: source is %s", status)
		return
	}

	if err := p.cfg.Source.Pause(p.ctx); err != nil {
		log.Printf("Source pause failed: %v", err)
		return
	}
	p.notifyCommand("source", "pause")
}

// playIfPaused is the symmetric re-confirmed path for the play direction.
func (p *Pairing) playIfPaused() {
	if err := p.cfg.Sink.Refresh(p.ctx); err != nil {
		log.Printf("Sink refresh failed after play watch: %v", err)
		return
	}
	mode := p.cfg.Sink.Mode()
	p.notifyStatus("sink", mode)
	if mode != sink.ModePlay {
		log.Printf("Not starting source: sink is %s", mode)
		return
	}

	status, err := p.cfg.Source.Status(p.ctx)
	if err != nil {
		if bus.IsRemoteUnavailable(err) {
			log.Printf("Not starting source: status unavailable")
		} else {
			log.Printf("Source status read failed: %v", err)
		}
		return
	}
	if status == source.StatusPlaying {
		log.Printf("Not starting source: already playing")
		return
	}

	if err := p.cfg.Source.Play(p.ctx); err != nil {
		log.Printf("Source play failed: %v", err)
		return
	}
	p.notifyCommand("source", "play")
}

// handleTrack forwards metadata regardless of transport state.
func (p *Pairing) handleTrack(track map[string]string) {
	if p.cfg.OnTrack != nil {
		p.cfg.OnTrack(track)
	}
}

// streamURL derives the sink stream identifier from the source's device
// path.
func (p *Pairing) streamURL() (string, error) {
	devPath, err := p.cfg.Source.DevicePath(p.ctx)
	if err != nil {
		return "", err
	}
	mac, err := source.MACFromDevicePath(devPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:DEV=%s", p.cfg.BaseStreamURL, mac), nil
}

func (p *Pairing) notifyCommand(target, command string) {
	log.Printf("Sent %s command to %s", command, target)
	if p.cfg.OnCommand != nil {
		p.cfg.OnCommand(target, command)
	}
}

func (p *Pairing) notifyStatus(endpoint, state string) {
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(endpoint, state)
	}
}
