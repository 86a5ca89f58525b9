// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package delegate

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	colorRegularText = "#FFFFFF"
	colorFocus       = "#007AFF"
	colorBlur        = "#A0A0A0"
	colorFooter      = "#11ff00"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorRegularText)).
			Padding(0, 2).
			MarginTop(1).
			Bold(true)

	itemStyle = lipgloss.NewStyle().
			PaddingLeft(4).
			Foreground(lipgloss.Color(colorRegularText))

	selectedItemStyle = lipgloss.NewStyle().
				PaddingLeft(4).
				Foreground(lipgloss.Color(colorRegularText)).
				Background(lipgloss.Color(colorFocus))

	focusedStyle = lipgloss.NewStyle().
			PaddingLeft(4)

	blurredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorBlur))

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorRegularText))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorFooter))
)

// View renders the TUI
func (m model) View() string {
	if m.screen == screenMenu {
		return lipgloss.NewStyle().Margin(1, 2).Render(
			m.menu.View() + "\n" +
				footerStyle.Render(m.footer) +
				"\nPress Enter to select, q to leave without changes",
		)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.screenTitle()) + "\n\n")
	for _, input := range m.inputs {
		b.WriteString(input.View() + "\n")
	}
	b.WriteString("\nPress Enter to save, Left Arrow to go back\n")
	b.WriteString(footerStyle.Render(m.footer))
	return lipgloss.NewStyle().Margin(1, 2).Render(b.String())
}

func (m model) screenTitle() string {
	switch m.screen {
	case screenSigners:
		return "Configure signers"
	case screenExpiry:
		return "Configure expiry"
	case screenKey:
		return "Configure signing key"
	case screenTimestamp:
		return "Configure timestamp"
	case screenSnapshot:
		return "Configure snapshot"
	default:
		return ""
	}
}
