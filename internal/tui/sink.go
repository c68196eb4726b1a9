package tui

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/waabox/graphauth/internal/auth"
)

// Sink delivers device code instructions to whoever is showing output.
// Before a program is attached it writes to w; afterwards it sends a
// DeviceCodeMsg so the menu can render the prompt.
type Sink struct {
	w  io.Writer
	mu sync.Mutex
	// program is nil while the menu is not running
	program *tea.Program
}

// Ensure Sink implements auth.DisplaySink.
var _ auth.DisplaySink = (*Sink)(nil)

// NewSink creates a Sink that writes to w until a program is attached.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Attach routes subsequent messages into p.
func (s *Sink) Attach(p *tea.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.program = p
}

// Detach routes subsequent messages back to the writer.
func (s *Sink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.program = nil
}

// Show implements auth.DisplaySink.
func (s *Sink) Show(message string) {
	s.mu.Lock()
	p := s.program
	s.mu.Unlock()

	if p != nil {
		p.Send(DeviceCodeMsg{Message: message})
		return
	}
	fmt.Fprintln(s.w, message)
}
