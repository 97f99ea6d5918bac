// ABOUTME: Bubbletea model for the bridge status TUI
// ABOUTME: Shows pairing, endpoint states, now playing, and command counts
package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the TUI state
type Model struct {
	// Sink
	serverAddr string
	playerName string
	sinkMode   string

	// Source
	attached     bool
	sourcePath   string
	sourceStatus string

	// Metadata
	title  string
	artist string
	album  string

	// Command counters
	sinkCommands   int
	sourceCommands int
	lastCommand    string

	// Debug
	showDebug bool

	// Dimensions
	width  int
	height int

	controls *Controls
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderEndpoints()
	s += m.renderNowPlaying()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders server and pairing status
func (m Model) renderHeader() string {
	pairStatus := "No source paired"
	if m.attached {
		pairStatus = fmt.Sprintf("Paired with %s", m.sourcePath)
	}

	return fmt.Sprintf(`┌─ Squeezelink ────────────────────────────────────────┐
│ Server:  %-44s │
│ Player:  %-44s │
│ Pairing: %-44s │
├──────────────────────────────────────────────────────┤
`, m.serverAddr, m.playerName, truncate(pairStatus, 44))
}

// renderEndpoints renders both transport states
func (m Model) renderEndpoints() string {
	sourceStatus := m.sourceStatus
	if sourceStatus == "" {
		sourceStatus = "unknown"
	}
	sinkMode := m.sinkMode
	if sinkMode == "" {
		sinkMode = "unknown"
	}

	return fmt.Sprintf("│ Source: %-44s │\n│ Sink:   %-44s │\n", sourceStatus, sinkMode)
}

// renderNowPlaying renders current track metadata
func (m Model) renderNowPlaying() string {
	s := "│ Now Playing:                                         │\n"
	if m.title != "" {
		s += fmt.Sprintf("│   Track:  %-42s │\n", truncate(m.title, 42))
		s += fmt.Sprintf("│   Artist: %-42s │\n", truncate(m.artist, 42))
		s += fmt.Sprintf("│   Album:  %-42s │\n", truncate(m.album, 42))
	} else {
		s += "│   (No metadata)                                      │\n"
	}
	return s
}

// renderStats renders command counters
func (m Model) renderStats() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Commands:  sink: %-6d source: %-6d%-13s │
`, m.sinkCommands, m.sourceCommands, "")
}

// renderDebug renders debug information
func (m Model) renderDebug() string {
	return fmt.Sprintf("│ DEBUG: last command %-32s │\n", truncate(m.lastCommand, 32))
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ d:Debug  q:Quit                                      │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Attached != nil {
		m.attached = *msg.Attached
	}
	if msg.ServerAddr != "" {
		m.serverAddr = msg.ServerAddr
	}
	if msg.PlayerName != "" {
		m.playerName = msg.PlayerName
	}
	if msg.SourcePath != "" {
		m.sourcePath = msg.SourcePath
	}
	if msg.SourceStatus != "" {
		m.sourceStatus = msg.SourceStatus
	}
	if msg.SinkMode != "" {
		m.sinkMode = msg.SinkMode
	}
	if msg.Title != "" {
		m.title = msg.Title
		m.artist = msg.Artist
		m.album = msg.Album
	}
	if msg.CommandTarget != "" {
		switch msg.CommandTarget {
		case "sink":
			m.sinkCommands++
		case "source":
			m.sourceCommands++
		}
		m.lastCommand = fmt.Sprintf("%s → %s", msg.CommandName, msg.CommandTarget)
	}
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Attached      *bool
	ServerAddr    string
	PlayerName    string
	SourcePath    string
	SourceStatus  string
	SinkMode      string
	Title         string
	Artist        string
	Album         string
	CommandTarget string
	CommandName   string
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
