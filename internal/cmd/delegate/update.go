// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// This file handles TUI input handling.

package delegate

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Update updates the model based on the message received
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h, v := lipgloss.NewStyle().Margin(1, 2).GetFrameSize()
		m.menu.SetSize(msg.Width-h, msg.Height-v)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			// Only a menu-level q abandons the edit; in an input screen it
			// is a regular character.
			if m.screen == screenMenu {
				return m, tea.Quit
			}
		case "left":
			if m.screen != screenMenu {
				m.footer = ""
				m.screen = screenMenu
				return m, nil
			}
		case "enter":
			switch m.screen {
			case screenMenu:
				i, ok := m.menu.SelectedItem().(item)
				if !ok {
					break
				}
				switch i.title {
				case "Configure signers":
					m.openInputs(screenSigners)
				case "Configure expiry":
					m.openInputs(screenExpiry)
				case "Configure signing key":
					m.openInputs(screenKey)
				case "Configure timestamp":
					m.openInputs(screenTimestamp)
				case "Configure snapshot":
					m.openInputs(screenSnapshot)
				case "Continue":
					if m.mode == editOnline && m.online.URI == "" {
						m.footer = "Error: missing online signing key"
						return m, nil
					}
					m.done = true
					return m, tea.Quit
				}
			case screenSigners:
				if m.focusIndex == len(m.inputs)-1 {
					m.applySigners()
				}
			case screenExpiry:
				if m.focusIndex == len(m.inputs)-1 {
					m.applyExpiry()
				}
			case screenKey:
				m.online.URI = strings.TrimSpace(m.inputs[0].Value())
				m.closeInputs()
			case screenTimestamp:
				if days, err := parseDays(m.inputs[0].Value()); err != nil {
					m.footer = fmt.Sprintf("Error: %v", err)
				} else {
					m.online.TimestampExpiry = days
					m.closeInputs()
				}
			case screenSnapshot:
				if days, err := parseDays(m.inputs[0].Value()); err != nil {
					m.footer = fmt.Sprintf("Error: %v", err)
				} else {
					m.online.SnapshotExpiry = days
					m.closeInputs()
				}
			}
		case "tab", "shift+tab", "up", "down":
			if m.screen != screenMenu {
				s := msg.String()
				if s == "up" || s == "shift+tab" {
					if m.focusIndex > 0 {
						m.focusIndex--
					} else {
						m.focusIndex = len(m.inputs) - 1
					}
				} else {
					if m.focusIndex < len(m.inputs)-1 {
						m.focusIndex++
					} else {
						m.focusIndex = 0
					}
				}

				for i := 0; i <= len(m.inputs)-1; i++ {
					if i == m.focusIndex {
						m.inputs[i].Focus()
						m.inputs[i].PromptStyle = focusedStyle
						m.inputs[i].TextStyle = focusedStyle
						continue
					}
					m.inputs[i].Blur()
					m.inputs[i].PromptStyle = blurredStyle
					m.inputs[i].TextStyle = blurredStyle
				}
				return m, nil
			}
		}
	}

	if m.screen == screenMenu {
		m.menu, cmd = m.menu.Update(msg)
	} else if len(m.inputs) > 0 {
		m.inputs[m.focusIndex], cmd = m.inputs[m.focusIndex].Update(msg)
	}

	return m, cmd
}

// applySigners parses the signer list and threshold inputs back into the
// configuration. A single signer forces the threshold to one, matching what
// the delegation would verify anyway.
func (m *model) applySigners() {
	signers := normalizeSigners(strings.Split(m.inputs[0].Value(), ","))
	if len(signers) == 0 {
		m.footer = "Error: at least one signer is required"
		return
	}

	threshold := 1
	if len(signers) > 1 {
		parsed, err := strconv.Atoi(strings.TrimSpace(m.inputs[1].Value()))
		if err != nil || parsed < 1 || parsed > len(signers) {
			m.footer = fmt.Sprintf("Error: threshold must be between 1 and %d", len(signers))
			return
		}
		threshold = parsed
	}

	m.offline.Signers = signers
	m.offline.Threshold = threshold
	m.closeInputs()
}

func (m *model) applyExpiry() {
	expiry, err := parseDays(m.inputs[0].Value())
	if err != nil {
		m.footer = fmt.Sprintf("Error: expiry period %v", err)
		return
	}
	signing, err := parseDays(m.inputs[1].Value())
	if err != nil {
		m.footer = fmt.Sprintf("Error: signing period %v", err)
		return
	}

	m.offline.ExpiryDays = expiry
	m.offline.SigningDays = signing
	m.closeInputs()
}

// closeInputs returns to the menu with the edited values showing.
func (m *model) closeInputs() {
	m.footer = ""
	m.refreshMenu()
	m.screen = screenMenu
}

func parseDays(value string) (int, error) {
	days, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || days < 1 {
		return 0, fmt.Errorf("must be a positive number of days")
	}
	return days, nil
}

// normalizeSigners trims the raw signer values and prefixes handles with @,
// so "alice, @bob" and "@alice,@bob" configure the same signers.
func normalizeSigners(values []string) []string {
	var signers []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if !strings.HasPrefix(value, "@") {
			value = "@" + value
		}
		signers = append(signers, value)
	}
	return signers
}
