// ABOUTME: Entry point for the Squeezelink bridge daemon
// ABOUTME: Parses CLI flags and wires the bus, server, hub, and TUI together
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SqueezeLink/squeezelink-go/internal/bridge"
	"github.com/SqueezeLink/squeezelink-go/internal/bus"
	"github.com/SqueezeLink/squeezelink-go/internal/discovery"
	"github.com/SqueezeLink/squeezelink-go/internal/hub"
	"github.com/SqueezeLink/squeezelink-go/internal/metadata"
	"github.com/SqueezeLink/squeezelink-go/internal/sink"
	"github.com/SqueezeLink/squeezelink-go/internal/ui"
	"github.com/SqueezeLink/squeezelink-go/internal/version"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	serverAddr   = flag.String("server", "", "Manual LMS address (skip mDNS)")
	playerName   = flag.String("player", "SqueezeLite", "Fallback player name when none is powered on")
	metadataFile = flag.String("metadata-file", metadata.DefaultPath, "Now-playing metadata file path")
	logFile      = flag.String("log-file", "squeezelink.log", "Log file path")
	listenAddr   = flag.String("listen", "", "Listen address for the event WebSocket (empty: disabled)")
	recheck      = flag.Duration("recheck", 60*time.Second, "Player power recheck interval")
	poll         = flag.Duration("poll", 2*time.Second, "Sink status poll interval")
	noTUI        = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	streamLogs   = flag.Bool("stream-logs", false, "Alias for -no-tui")
)

func main() {
	flag.Parse()

	// Determine if we should use TUI or streaming logs
	useTUI := !(*noTUI || *streamLogs)

	// Set up logging
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		// Streaming logs mode: log to both stdout and file
		multiWriter := io.MultiWriter(os.Stdout, f)
		log.SetOutput(multiWriter)
	}

	if !useTUI {
		log.Printf("Starting %s %s", version.Product, version.Version)
	}

	// TUI setup
	var tuiProg *tea.Program
	var controls *ui.Controls

	if useTUI {
		controls = ui.NewControls()
		tuiProg, err = ui.Run(controls)
		if err != nil {
			log.Fatalf("Failed to start TUI: %v", err)
		}
		go tuiProg.Run()
	}

	// Helper to update TUI
	updateTUI := func(msg ui.StatusMsg) {
		if tuiProg != nil {
			tuiProg.Send(msg)
		}
	}

	// Handle server discovery if no manual server specified
	serverAddress := *serverAddr
	if serverAddress == "" {
		log.Printf("Starting server discovery...")
		disc := discovery.NewManager()
		disc.Browse()

		select {
		case server := <-disc.Servers():
			serverAddress = server.Addr()
			log.Printf("Discovered server at %s", serverAddress)
		case <-time.After(10 * time.Second):
			log.Fatalf("No server found after 10 seconds")
		}
		disc.Stop()
	}

	updateTUI(ui.StatusMsg{ServerAddr: serverAddress, PlayerName: *playerName})

	// Connect to the system bus
	busConn, err := bus.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to D-Bus: %v", err)
	}
	defer busConn.Close()

	// Event hub for external observers
	eventHub := hub.New()
	if *listenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", eventHub.Handler())
		go func() {
			log.Printf("Event WebSocket listening on %s", *listenAddr)
			if err := http.ListenAndServe(*listenAddr, mux); err != nil {
				log.Printf("Event server stopped: %v", err)
			}
		}()
	}

	b := bridge.New(bridge.Config{
		Bus:             busConn,
		Server:          sink.NewServer(serverAddress),
		PlayerName:      *playerName,
		RecheckInterval: *recheck,
		PollInterval:    *poll,
		Metadata:        metadata.NewWriter(*metadataFile),
		Hub:             eventHub,
		Notify: func(event hub.Event) {
			updateTUI(statusFromEvent(event))
		},
	})

	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start bridge: %v", err)
	}

	log.Printf("Bridge running against %s", serverAddress)

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for quit signal from TUI or OS
	if controls != nil {
		select {
		case <-controls.Quit:
			log.Printf("Received quit signal from TUI")
		case <-sigChan:
			log.Printf("Shutdown signal received")
		}
	} else {
		<-sigChan
		log.Printf("Shutdown signal received")
	}

	b.Close()
	log.Printf("Bridge stopped")
}

// statusFromEvent translates bridge events into TUI updates.
func statusFromEvent(event hub.Event) ui.StatusMsg {
	payload, _ := event.Payload.(map[string]string)

	switch event.Type {
	case "pairing/attached":
		attached := true
		return ui.StatusMsg{Attached: &attached, SourcePath: payload["path"]}
	case "player/selected":
		return ui.StatusMsg{PlayerName: fmt.Sprintf("%s (%s)", payload["name"], payload["id"])}
	case "source/status":
		return ui.StatusMsg{SourceStatus: payload["state"]}
	case "sink/mode":
		return ui.StatusMsg{SinkMode: payload["state"]}
	case "command/issued":
		return ui.StatusMsg{CommandTarget: payload["target"], CommandName: payload["command"]}
	case "track/updated":
		track, _ := event.Payload.(map[string]string)
		return ui.StatusMsg{
			Title:  track["Title"],
			Artist: track["Artist"],
			Album:  track["Album"],
		}
	}
	return ui.StatusMsg{}
}
