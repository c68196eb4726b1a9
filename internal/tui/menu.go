package tui

import (
	"fmt"
	"strings"
)

// Choice identifies a menu entry by the digit the user types to select it.
type Choice int

const (
	ChoiceExit Choice = iota
	ChoiceDisplayToken
	ChoiceListCalendar
	ChoiceSignOut
)

type menuEntry struct {
	choice Choice
	label  string
}

var defaultEntries = []menuEntry{
	{ChoiceExit, "Exit"},
	{ChoiceDisplayToken, "Display access token"},
	{ChoiceListCalendar, "List calendar events"},
	{ChoiceSignOut, "Sign out"},
}

// MenuModel is an immutable Bubbletea-compatible model for the main menu panel.
type MenuModel struct {
	entries []menuEntry
	cursor  int
}

// NewMenuModel creates a menu positioned on its first selectable action.
func NewMenuModel() MenuModel {
	return MenuModel{entries: defaultEntries, cursor: int(ChoiceDisplayToken)}
}

// MoveDown returns a new model with the cursor moved down by one.
func (m MenuModel) MoveDown() MenuModel {
	if m.cursor < len(m.entries)-1 {
		m.cursor++
	}
	return m
}

// MoveUp returns a new model with the cursor moved up by one.
func (m MenuModel) MoveUp() MenuModel {
	if m.cursor > 0 {
		m.cursor--
	}
	return m
}

// Selected returns the choice under the cursor.
func (m MenuModel) Selected() Choice {
	return m.entries[m.cursor].choice
}

// Lookup maps a typed key to a menu choice.
func (m MenuModel) Lookup(key string) (Choice, bool) {
	for _, e := range m.entries {
		if key == fmt.Sprint(int(e.choice)) {
			return e.choice, true
		}
	}
	return 0, false
}

// View renders the menu as a string.
func (m MenuModel) View() string {
	var sb strings.Builder
	for i, e := range m.entries {
		prefix := "  "
		if i == m.cursor {
			prefix = "> "
		}
		sb.WriteString(fmt.Sprintf("%s%d. %s\n", prefix, int(e.choice), e.label))
	}
	return sb.String()
}
