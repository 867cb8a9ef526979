package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"esp32-tools/internal/adapter/tui/theme"
	"esp32-tools/internal/domain"
)

const maxStreamEntries = 500

// streamModel is a scrollable list of relay events that follows the tail
// unless the user scrolled up.
type streamModel struct {
	viewport viewport.Model
	events   []domain.Event
	ready    bool
	atBottom bool
}

func newStream() streamModel {
	return streamModel{atBottom: true}
}

func (m *streamModel) setSize(w, h int) {
	if !m.ready {
		m.viewport = viewport.New(w, h)
		m.viewport.MouseWheelEnabled = true
		m.viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = h
	}
	m.refresh()
}

func (m *streamModel) add(ev domain.Event) {
	m.events = append(m.events, ev)
	if len(m.events) > maxStreamEntries {
		m.events = m.events[len(m.events)-maxStreamEntries:]
	}
	m.refresh()
	if m.atBottom && m.ready {
		m.viewport.GotoBottom()
	}
}

func (m streamModel) update(msg tea.Msg) (streamModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	m.atBottom = m.viewport.AtBottom()
	return m, cmd
}

func (m streamModel) view() string {
	if !m.ready {
		return ""
	}
	return m.viewport.View()
}

func (m *streamModel) refresh() {
	if !m.ready {
		return
	}
	if len(m.events) == 0 {
		m.viewport.SetContent(theme.TextMuted.Render("  Waiting for events..."))
		return
	}
	var sb strings.Builder
	for _, ev := range m.events {
		sb.WriteString(formatLine(ev))
		sb.WriteByte('\n')
	}
	m.viewport.SetContent(sb.String())
}

func formatLine(ev domain.Event) string {
	typ := fmt.Sprintf("%-20s", ev.Type)
	switch ev.Type {
	case domain.EventError:
		typ = theme.TextError.Render(typ)
	case domain.EventConnectionStatus:
		typ = theme.TextInfo.Render(typ)
	case domain.EventOperationStarted, domain.EventOperationProgress, domain.EventOperationCompleted:
		typ = theme.TextAccent.Render(typ)
	default:
		typ = theme.TextMuted.Render(typ)
	}
	return fmt.Sprintf("  %s  %s %s", theme.Dim.Render(ev.Timestamp.Format("15:04:05")), typ, summarize(ev))
}

// summarize renders the interesting payload fields of ev on one line.
func summarize(ev domain.Event) string {
	switch ev.Type {
	case domain.EventConnectionStatus:
		var p domain.ConnectionStatus
		if ev.DecodePayload(&p) == nil {
			return p.Message
		}
	case domain.EventCommandResponse:
		var p domain.CommandResponse
		if ev.DecodePayload(&p) == nil {
			lines := strings.Count(p.Response, "\n") + 1
			return fmt.Sprintf("%q %s (%d lines)", p.Command, p.Status, lines)
		}
	case domain.EventOperationStarted:
		var p domain.OperationStarted
		if ev.DecodePayload(&p) == nil {
			return p.Name
		}
	case domain.EventOperationProgress:
		var p domain.OperationProgress
		if ev.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s %d%%", p.Name, p.Percent)
		}
	case domain.EventOperationCompleted:
		var p domain.OperationCompleted
		if ev.DecodePayload(&p) == nil {
			if p.Locator != "" {
				return p.Name + " -> " + p.Locator
			}
			return p.Name
		}
	case domain.EventError:
		var p domain.ErrorEvent
		if ev.DecodePayload(&p) == nil {
			if p.Code != "" {
				return fmt.Sprintf("%s (%s)", p.Message, p.Code)
			}
			return p.Message
		}
	case domain.EventPortsListed:
		var p domain.PortsListed
		if ev.DecodePayload(&p) == nil {
			return fmt.Sprintf("%d port(s)", len(p.Ports))
		}
	}
	return ""
}
