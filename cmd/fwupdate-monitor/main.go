// fwupdate-monitor is the operator's live view into the firmware update
// control plane: a bubbletea TUI polling fwupdate-host's HTTP API on a
// tick, listing every device's current/pending software and Activation
// state, with a keybinding to copy the selected device's object path.
// Grounded on cmd/monitor/main.go's tea.NewProgram bootstrap and
// internal/cli/ui/ui.go's Model/Init/Update/View/clipboard pattern.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var apiAddr = flag.String("api", "http://127.0.0.1:8089", "fwupdate-host API base URL")

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Bold(true).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))
)

// deviceItem adapts a manager.Summary (decoded from JSON rather than
// importing internal/manager, since this is a separate client process) to
// bubbles/list's list.Item interface.
type deviceItem struct {
	ObjectPath  string `json:"ObjectPath"`
	ConfigName  string `json:"ConfigName"`
	CurrentSWID string `json:"CurrentSWID"`
	PendingSWID string `json:"PendingSWID"`
	Activation  string `json:"Activation"`
}

func (d deviceItem) Title() string { return fmt.Sprintf("%s (%s)", d.ConfigName, d.ObjectPath) }
func (d deviceItem) Description() string {
	return fmt.Sprintf("current=%s pending=%s activation=%s", orNone(d.CurrentSWID), orNone(d.PendingSWID), orNone(d.Activation))
}
func (d deviceItem) FilterValue() string { return d.ConfigName }

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type devicesMsg struct {
	items []list.Item
	err   error
}

type tickMsg time.Time

type copyNoticeExpiredMsg struct{}

type model struct {
	list           list.Model
	apiAddr        string
	lastErr        error
	showCopyNotice bool
}

func fetchDevices(apiAddr string) tea.Cmd {
	return func() tea.Msg {
		resp, err := http.Get(apiAddr + "/api/v1/devices")
		if err != nil {
			return devicesMsg{err: err}
		}
		defer resp.Body.Close()

		var body struct {
			Devices []deviceItem `json:"devices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return devicesMsg{err: err}
		}
		items := make([]list.Item, 0, len(body.Devices))
		for _, d := range body.Devices {
			items = append(items, d)
		}
		return devicesMsg{items: items}
	}
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(apiAddr string) model {
	l := list.New(nil, list.NewDefaultDelegate(), 80, 20)
	l.Title = "fwupdate devices"
	return model{list: l, apiAddr: apiAddr}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDevices(m.apiAddr), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			if item, ok := m.list.SelectedItem().(deviceItem); ok {
				if err := clipboard.WriteAll(item.ObjectPath); err == nil {
					m.showCopyNotice = true
					cmds = append(cmds, tea.Tick(1500*time.Millisecond, func(t time.Time) tea.Msg {
						return copyNoticeExpiredMsg{}
					}))
				}
			}
		}

	case tickMsg:
		cmds = append(cmds, fetchDevices(m.apiAddr), tick())

	case devicesMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.list.SetItems(msg.items)
		}

	case copyNoticeExpiredMsg:
		m.showCopyNotice = false
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	var out string
	out += headerStyle.Render("fwupdate monitor") + "\n"
	out += m.list.View() + "\n"
	if m.lastErr != nil {
		out += errorStyle.Render(fmt.Sprintf("fetch error: %v", m.lastErr)) + "\n"
	}
	if m.showCopyNotice {
		out += copyNoticeStyle.Render("copied object path to clipboard") + "\n"
	}
	out += helpStyle.Render("c: copy object path  q: quit")
	return out
}

func main() {
	flag.Parse()

	p := tea.NewProgram(newModel(*apiAddr), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("fwupdate-monitor: %v", err)
	}
}
