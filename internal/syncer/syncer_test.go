// ABOUTME: Tests for the pairing policy engine
// ABOUTME: Exercises transitions, idempotence, and feedback-loop suppression
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SqueezeLink/squeezelink-go/internal/bus"
	"github.com/SqueezeLink/squeezelink-go/internal/sink"
)

type fakeSource struct {
	mu         sync.Mutex
	status     string
	statusErr  error
	devicePath string
	plays      int
	pauses     int
}

func (f *fakeSource) Status(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeSource) DevicePath(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devicePath, nil
}

func (f *fakeSource) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return nil
}

func (f *fakeSource) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeSource) setStatus(status string) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeSource) counts() (plays, pauses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays, f.pauses
}

type fakeSink struct {
	mu          sync.Mutex
	mode        string
	refreshMode string // applied on Refresh when non-empty
	url         string
	loads       []string
	plays       int
	pauses      int
	refreshes   int
	watches     []*sink.Watch
}

func (f *fakeSink) Refresh(context.Context) error {
	f.mu.Lock()
	f.refreshes++
	if f.refreshMode != "" {
		f.mode = f.refreshMode
	}
	mode := f.mode
	watches := f.liveWatchesLocked()
	f.mu.Unlock()

	for _, w := range watches {
		w.Offer(mode)
	}
	return nil
}

func (f *fakeSink) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeSink) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeSink) Load(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, url)
	f.url = url
	return nil
}

func (f *fakeSink) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return nil
}

func (f *fakeSink) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeSink) WatchMode(pred func(string) bool) *sink.Watch {
	w := sink.NewWatch(pred)
	f.mu.Lock()
	f.watches = append(f.watches, w)
	f.mu.Unlock()
	return w
}

func (f *fakeSink) liveWatchesLocked() []*sink.Watch {
	live := make([]*sink.Watch, 0, len(f.watches))
	for _, w := range f.watches {
		if !w.Done() {
			live = append(live, w)
		}
	}
	return live
}

// observe simulates the sink's own transport changing state.
func (f *fakeSink) observe(mode string) {
	f.mu.Lock()
	f.mode = mode
	watches := f.liveWatchesLocked()
	f.mu.Unlock()

	for _, w := range watches {
		w.Offer(mode)
	}
}

func (f *fakeSink) liveWatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.liveWatchesLocked())
}

func (f *fakeSink) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeSink) counts() (plays, pauses, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays, f.pauses, f.refreshes
}

func newTestPairing(t *testing.T, fs *fakeSource, fk *fakeSink) *Pairing {
	t.Helper()
	p := New(Config{Source: fs, Sink: fk})
	go p.Run()
	t.Cleanup(p.Close)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// settle gives in-flight events a chance to be handled before asserting
// something did NOT happen.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

const testDevicePath = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"

func TestSourcePlayingStartsSink(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("playing")

	waitFor(t, "sink load", func() bool { return fk.loadCount() == 1 })

	fk.mu.Lock()
	url := fk.loads[0]
	fk.mu.Unlock()
	if url != "wavin:bluealsa:DEV=AA:BB:CC:DD:EE:FF" {
		t.Errorf("Loaded URL = %q", url)
	}

	waitFor(t, "sink play", func() bool {
		plays, _, _ := fk.counts()
		return plays == 1
	})
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })
}

func TestDuplicatePlayingIsIdempotent(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("playing")
	waitFor(t, "sink load", func() bool { return fk.loadCount() == 1 })

	p.SubmitStatus("playing")
	settle()

	if n := fk.loadCount(); n != 1 {
		t.Errorf("Duplicate playing caused %d loads, want 1", n)
	}
	plays, _, _ := fk.counts()
	if plays != 1 {
		t.Errorf("Duplicate playing caused %d plays, want 1", plays)
	}
	if n := fk.liveWatchCount(); n != 1 {
		t.Errorf("Expected exactly one live watch, got %d", n)
	}
}

func TestPauseWatchPausesSourceAfterReconfirm(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("playing")
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })

	// User pauses the sink; the watch resolves and the source follows.
	fk.observe("pause")

	waitFor(t, "source pause", func() bool {
		_, pauses := fs.counts()
		return pauses == 1
	})
}

func TestFeedbackLoopSuppressedWhenSinkResumes(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("playing")
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })

	// The sink briefly reports pause but is playing again by the time the
	// resolution is handled; the re-confirm must swallow the transition.
	fk.mu.Lock()
	fk.refreshMode = "play"
	fk.mu.Unlock()
	fk.observe("pause")

	waitFor(t, "reconfirm refresh", func() bool {
		_, _, refreshes := fk.counts()
		return refreshes >= 1
	})
	settle()

	if _, pauses := fs.counts(); pauses != 0 {
		t.Errorf("Source was paused despite the sink playing again, pauses=%d", pauses)
	}
}

func TestNoSourceCommandWhenSourceAlreadyPaused(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("playing")
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })

	// Both endpoints already reconciled on their own.
	fs.setStatus("paused")
	fk.observe("pause")

	waitFor(t, "reconfirm refresh", func() bool {
		_, _, refreshes := fk.counts()
		return refreshes >= 1
	})
	settle()

	if _, pauses := fs.counts(); pauses != 0 {
		t.Errorf("Source was paused while already paused, pauses=%d", pauses)
	}
}

func TestSourcePausedPausesSinkAndPlayWatchResumesSource(t *testing.T) {
	fs := &fakeSource{status: "paused", devicePath: testDevicePath}
	fk := &fakeSink{mode: "play", url: "wavin:bluealsa:DEV=AA:BB:CC:DD:EE:FF"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("paused")

	waitFor(t, "sink pause", func() bool {
		_, pauses, _ := fk.counts()
		return pauses == 1
	})
	waitFor(t, "play watch armed", func() bool { return fk.liveWatchCount() == 1 })

	// User resumes the sink; the source follows after re-confirmation.
	fk.observe("play")

	waitFor(t, "source play", func() bool {
		plays, _ := fs.counts()
		return plays == 1
	})
}

func TestOppositeTransitionSupersedesWatch(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.SubmitStatus("playing")
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })

	fk.mu.Lock()
	pauseWatch := fk.watches[0]
	fk.mu.Unlock()

	fs.setStatus("paused")
	p.SubmitStatus("paused")

	waitFor(t, "pause watch superseded", func() bool { return pauseWatch.Done() })
	waitFor(t, "play watch armed", func() bool { return fk.liveWatchCount() == 1 })

	// The superseded watch must not have produced a source command.
	settle()
	if _, pauses := fs.counts(); pauses != 0 {
		t.Errorf("Superseded watch paused the source, pauses=%d", pauses)
	}
}

func TestAttachWithSourcePlaying(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := newTestPairing(t, fs, fk)

	p.Attach()

	waitFor(t, "sink load", func() bool { return fk.loadCount() == 1 })
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })
}

func TestAttachWithPreloadedPlayingSink(t *testing.T) {
	// Restart case: the sink already carries our stream and plays. No
	// commands should be issued, only the pause watch armed.
	fs := &fakeSource{statusErr: fmt.Errorf("%w: test", bus.ErrRemoteUnavailable), devicePath: testDevicePath}
	fk := &fakeSink{mode: "play", url: "wavin:bluealsa:DEV=AA:BB:CC:DD:EE:FF"}
	p := newTestPairing(t, fs, fk)

	p.Attach()

	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })

	if n := fk.loadCount(); n != 0 {
		t.Errorf("Attach issued %d loads, want 0", n)
	}
	plays, pauses, _ := fk.counts()
	if plays != 0 || pauses != 0 {
		t.Errorf("Attach issued commands: plays=%d pauses=%d", plays, pauses)
	}
}

func TestAttachIgnoresForeignSinkContent(t *testing.T) {
	fs := &fakeSource{statusErr: fmt.Errorf("%w: test", bus.ErrRemoteUnavailable), devicePath: testDevicePath}
	fk := &fakeSink{mode: "play", url: "spotify:track:123"}
	p := newTestPairing(t, fs, fk)

	p.Attach()

	waitFor(t, "attach refresh", func() bool {
		_, _, refreshes := fk.counts()
		return refreshes >= 1
	})
	settle()

	if n := fk.liveWatchCount(); n != 0 {
		t.Errorf("Watch armed over foreign sink content, got %d watches", n)
	}
}

func TestCloseCancelsLiveWatches(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}
	p := New(Config{Source: fs, Sink: fk})
	go p.Run()

	p.SubmitStatus("playing")
	waitFor(t, "pause watch armed", func() bool { return fk.liveWatchCount() == 1 })

	p.Close()

	waitFor(t, "watch cancelled", func() bool { return fk.liveWatchCount() == 0 })
}

func TestTrackForwarding(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}

	tracks := make(chan map[string]string, 1)
	p := New(Config{
		Source:  fs,
		Sink:    fk,
		OnTrack: func(track map[string]string) { tracks <- track },
	})
	go p.Run()
	t.Cleanup(p.Close)

	p.SubmitTrack(map[string]string{"Title": "Song", "Artist": "Band"})

	select {
	case track := <-tracks:
		if track["Title"] != "Song" || track["Artist"] != "Band" {
			t.Errorf("Track forwarded wrong: %v", track)
		}
	case <-time.After(time.Second):
		t.Fatal("Track was not forwarded")
	}
}

func TestCommandNotifications(t *testing.T) {
	fs := &fakeSource{status: "playing", devicePath: testDevicePath}
	fk := &fakeSink{mode: "stop"}

	var mu sync.Mutex
	var commands []string
	p := New(Config{
		Source: fs,
		Sink:   fk,
		OnCommand: func(target, command string) {
			mu.Lock()
			commands = append(commands, target+":"+command)
			mu.Unlock()
		},
	})
	go p.Run()
	t.Cleanup(p.Close)

	p.SubmitStatus("playing")

	waitFor(t, "command notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commands) == 2
	})

	mu.Lock()
	joined := strings.Join(commands, ",")
	mu.Unlock()
	if joined != "sink:load,sink:play" {
		t.Errorf("Commands = %s", joined)
	}
}
