package tui

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// TokenSource is the part of auth.Provider the menu drives.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Account() (string, bool)
	SignOut(ctx context.Context) error
}

// TokenLoadedMsg is sent when an access token has been obtained.
// It is exported so that tests can inject it directly into AppModel.Update.
type TokenLoadedMsg struct {
	Token string
	Err   error
}

// SignedOutMsg is sent when the cached account has been forgotten.
type SignedOutMsg struct {
	Err error
}

// DeviceCodeMsg carries the sign-in instructions shown while the provider
// waits for the user to complete the device code flow.
type DeviceCodeMsg struct {
	Message string
}

// CalendarHeading introduces the calendar listing.
const CalendarHeading = "The Calendar events are:"

// AppModel is the root Bubbletea model for graphauth.
type AppModel struct {
	ctx    context.Context
	source TokenSource
	menu   MenuModel
	// General state
	loading  bool
	err      error
	output   string
	notice   string
	width    int
	quitting bool
	// Sign-in instructions while a device code flow is pending
	deviceMessage string
}

// NewAppModel creates the root application model. ctx bounds every token
// request issued from the menu.
func NewAppModel(ctx context.Context, source TokenSource) AppModel {
	return AppModel{
		ctx:    ctx,
		source: source,
		menu:   NewMenuModel(),
	}
}

// Init does nothing; the first token is acquired before the menu starts.
func (m AppModel) Init() tea.Cmd {
	return nil
}

func (m AppModel) loadToken() tea.Cmd {
	return func() tea.Msg {
		token, err := m.source.AccessToken(m.ctx)
		return TokenLoadedMsg{Token: token, Err: err}
	}
}

func (m AppModel) signOut() tea.Cmd {
	return func() tea.Msg {
		return SignedOutMsg{Err: m.source.SignOut(m.ctx)}
	}
}

// Update handles all incoming messages and key events.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case DeviceCodeMsg:
		m.deviceMessage = msg.Message
		return m, nil

	case TokenLoadedMsg:
		m.loading = false
		m.deviceMessage = ""
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.output = "Access token: " + msg.Token
		return m, nil

	case SignedOutMsg:
		m.loading = false
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.output = "Signed out. The next request will ask you to sign in again."
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
		if m.loading {
			return m, nil
		}
		switch msg.String() {
		case "q":
			return m.choose(ChoiceExit)
		case "up", "k":
			m.menu = m.menu.MoveUp()
			return m, nil
		case "down", "j":
			m.menu = m.menu.MoveDown()
			return m, nil
		case "enter":
			return m.choose(m.menu.Selected())
		}
		if choice, ok := m.menu.Lookup(msg.String()); ok {
			return m.choose(choice)
		}
		m.notice = "Invalid choice! Please try again."
		return m, nil
	}
	return m, nil
}

func (m AppModel) choose(choice Choice) (tea.Model, tea.Cmd) {
	m.err = nil
	m.notice = ""
	switch choice {
	case ChoiceExit:
		m.quitting = true
		return m, tea.Quit
	case ChoiceDisplayToken:
		m.loading = true
		m.output = ""
		return m, m.loadToken()
	case ChoiceListCalendar:
		m.output = CalendarHeading
		return m, nil
	case ChoiceSignOut:
		m.loading = true
		m.output = ""
		return m, m.signOut()
	}
	return m, nil
}

// View renders the full TUI.
func (m AppModel) View() string {
	if m.quitting {
		return "Goodbye...\n"
	}

	header := " graphauth"
	if account, ok := m.source.Account(); ok {
		header += " | " + account
	}
	header += "\n"
	separator := "────────────────────────────────────────────────────────────\n"

	if m.deviceMessage != "" {
		return header + separator + "\n " + m.deviceMessage + "\n\n Waiting for authorization...\n"
	}

	body := m.menu.View()
	switch {
	case m.loading:
		body += "\n Working...\n"
	case m.err != nil:
		body += fmt.Sprintf("\n Error: %s\n", describe(m.err))
	case m.output != "":
		body += "\n " + m.output + "\n"
	}
	if m.notice != "" {
		body += "\n " + m.notice + "\n"
	}
	footer := " ↑/↓: navigate   enter/0-3: select   q: quit\n"
	return header + separator + body + separator + footer
}

func describe(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

// Run starts the menu and blocks until the user exits. While it runs, sink
// forwards device code prompts into the program.
func Run(ctx context.Context, source TokenSource, sink *Sink) error {
	p := tea.NewProgram(NewAppModel(ctx, source), tea.WithContext(ctx))
	sink.Attach(p)
	defer sink.Detach()
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running menu: %w", err)
	}
	return nil
}
