// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the bridge UI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Controls carries signals from the TUI back to the daemon
type Controls struct {
	Quit chan struct{}
}

// NewControls creates a new control handler
func NewControls() *Controls {
	return &Controls{
		Quit: make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(controls *Controls) Model {
	return Model{
		controls: controls,
	}
}

// Run starts the TUI
func Run(controls *Controls) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(controls), tea.WithAltScreen())
	return p, nil
}
