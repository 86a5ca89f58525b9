// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package delegate

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/repository-playground/playground/internal/signer"
)

type screen int

const (
	screenMenu screen = iota
	screenSigners
	screenExpiry
	screenKey
	screenTimestamp
	screenSnapshot
)

type editorMode int

const (
	editOffline editorMode = iota
	editOnline
)

// onlineEdit is the online configuration as the editor sees it: the key is
// carried as its URI and only imported once the editor is done.
type onlineEdit struct {
	URI             string
	TimestampExpiry int
	SnapshotExpiry  int
}

type item struct {
	title, desc string
}

// virtual methods must be implemented for the item struct

// Title returns the title of the item
func (i item) Title() string { return i.title }

// Description returns the description of the item
func (i item) Description() string { return i.desc }

// FilterValue returns the value to filter on
func (i item) FilterValue() string { return i.title }

type model struct {
	mode       editorMode
	role       string
	offline    signer.OfflineConfig
	online     onlineEdit
	screen     screen
	menu       list.Model
	inputs     []textinput.Model
	focusIndex int
	cursorMode cursor.Mode
	footer     string
	// done is set when the user accepted the configuration; a quit without
	// done means the edit was abandoned.
	done bool
}

// newOfflineModel returns the editor for one offline role's configuration.
func newOfflineModel(role string, cfg signer.OfflineConfig) model {
	m := model{
		mode:       editOffline,
		role:       role,
		offline:    cloneOfflineConfig(cfg),
		screen:     screenMenu,
		cursorMode: cursor.CursorBlink,
	}
	m.menu = newMenuList(fmt.Sprintf("Configuring role %s", role))
	m.refreshMenu()
	return m
}

// newOnlineModel returns the editor for the online roles' configuration.
func newOnlineModel(edit onlineEdit) model {
	m := model{
		mode:       editOnline,
		online:     edit,
		screen:     screenMenu,
		cursorMode: cursor.CursorBlink,
	}
	m.menu = newMenuList("Configuring online roles")
	m.refreshMenu()
	return m
}

func newMenuList(title string) list.Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = selectedItemStyle
	delegate.Styles.SelectedDesc = selectedItemStyle
	delegate.Styles.NormalTitle = itemStyle
	delegate.Styles.NormalDesc = itemStyle

	l := list.New([]list.Item{}, delegate, 0, 0)
	l.Title = title
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle
	l.SetShowHelp(false)
	return l
}

// refreshMenu rebuilds the menu items so their descriptions show the
// configuration as currently edited.
func (m *model) refreshMenu() {
	var items []list.Item
	switch m.mode {
	case editOffline:
		items = []list.Item{
			item{
				title: "Configure signers",
				desc: fmt.Sprintf("[%s], requiring %d of %d signatures",
					strings.Join(m.offline.Signers, ", "), m.offline.Threshold, len(m.offline.Signers)),
			},
			item{
				title: "Configure expiry",
				desc: fmt.Sprintf("Role expires in %d days, re-signing starts %d days before expiry",
					m.offline.ExpiryDays, m.offline.SigningDays),
			},
			item{title: "Continue", desc: "Accept the configuration as shown"},
		}
	case editOnline:
		uri := m.online.URI
		if uri == "" {
			uri = "not configured"
		}
		items = []list.Item{
			item{title: "Configure signing key", desc: fmt.Sprintf("Online key: %s", uri)},
			item{title: "Configure timestamp", desc: fmt.Sprintf("Expires in %d days", m.online.TimestampExpiry)},
			item{title: "Configure snapshot", desc: fmt.Sprintf("Expires in %d days", m.online.SnapshotExpiry)},
			item{title: "Continue", desc: "Accept the configuration as shown"},
		}
	}
	m.menu.SetItems(items)
}

// openInputs sets up the text inputs for the given editor screen, prefilled
// with the current values.
func (m *model) openInputs(s screen) {
	var prompts []struct{ prompt, value, placeholder string }
	switch s {
	case screenSigners:
		prompts = []struct{ prompt, value, placeholder string }{
			{"Signers: ", strings.Join(m.offline.Signers, ", "), "@handle, @handle"},
			{"Threshold: ", fmt.Sprintf("%d", m.offline.Threshold), "1"},
		}
	case screenExpiry:
		prompts = []struct{ prompt, value, placeholder string }{
			{"Expiry period in days: ", fmt.Sprintf("%d", m.offline.ExpiryDays), "365"},
			{"Signing period in days: ", fmt.Sprintf("%d", m.offline.SigningDays), "60"},
		}
	case screenKey:
		prompts = []struct{ prompt, value, placeholder string }{
			{"Online key URI: ", m.online.URI, "gcpkms://projects/..."},
		}
	case screenTimestamp:
		prompts = []struct{ prompt, value, placeholder string }{
			{"Timestamp expiry in days: ", fmt.Sprintf("%d", m.online.TimestampExpiry), "1"},
		}
	case screenSnapshot:
		prompts = []struct{ prompt, value, placeholder string }{
			{"Snapshot expiry in days: ", fmt.Sprintf("%d", m.online.SnapshotExpiry), "365"},
		}
	}

	m.inputs = make([]textinput.Model, len(prompts))
	for i, p := range prompts {
		t := textinput.New()
		t.Cursor.Style = cursorStyle
		t.CharLimit = 256
		t.Prompt = p.prompt
		t.Placeholder = p.placeholder
		t.SetValue(p.value)
		if i == 0 {
			t.Focus()
			t.PromptStyle = focusedStyle
			t.TextStyle = focusedStyle
		} else {
			t.Blur()
			t.PromptStyle = blurredStyle
			t.TextStyle = blurredStyle
		}
		m.inputs[i] = t
	}

	m.focusIndex = 0
	m.screen = s
}

// Init initializes the input field
func (m model) Init() tea.Cmd {
	return textinput.Blink
}
