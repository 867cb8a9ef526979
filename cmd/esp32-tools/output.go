package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/usecase/eventbus"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func portsTable(ports []domain.PortCandidate) string {
	t := newTable("PORT", "DESCRIPTION", "VID:PID", "ESP32", "CONFIDENCE")
	for _, p := range ports {
		likely := "no"
		if p.Likely {
			likely = "yes"
		}
		t.Row(p.Address, p.Description, usbID(p), likely, strconv.Itoa(p.Confidence))
	}
	return t.String()
}

func usbID(p domain.PortCandidate) string {
	if p.VendorID == nil || p.ProductID == nil {
		return "-"
	}
	return fmt.Sprintf("%04X:%04X", *p.VendorID, *p.ProductID)
}

func dumpsTable(records []domain.DumpRecord) string {
	t := newTable("ID", "FILE", "SIZE (MB)", "DEVICE", "CHIP", "TIMESTAMP")
	for _, r := range records {
		t.Row(
			r.ID,
			filepath.Base(r.File),
			fmt.Sprintf("%.2f", r.SizeMB()),
			orDash(r.Attributes["device"]),
			orDash(r.Attributes["chip"]),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return t.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printExchange writes the response lines followed by a dim status line.
func printExchange(w io.Writer, ex *domain.CommandExchange) {
	fmt.Fprintln(w, ex.Response())
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("[%s in %s]", ex.Status, ex.Elapsed.Round(time.Millisecond))))
}

// formatEvent renders a relay event for the console. Command responses are
// printed by the commands themselves and are skipped.
func formatEvent(ev domain.Event) (string, bool) {
	switch ev.Type {
	case domain.EventConnectionStatus:
		var p domain.ConnectionStatus
		if ev.DecodePayload(&p) != nil {
			return "", false
		}
		if p.Connected {
			return okStyle.Render("● " + p.Message), true
		}
		return warnStyle.Render("○ " + p.Message), true
	case domain.EventOperationStarted:
		var p domain.OperationStarted
		if ev.DecodePayload(&p) != nil {
			return "", false
		}
		return titleStyle.Render("▶ " + p.Name), true
	case domain.EventOperationProgress:
		var p domain.OperationProgress
		if ev.DecodePayload(&p) != nil {
			return "", false
		}
		return dimStyle.Render(fmt.Sprintf("  %s %s %3d%%", p.Name, progressBar(p.Percent, 20), p.Percent)), true
	case domain.EventOperationCompleted:
		var p domain.OperationCompleted
		if ev.DecodePayload(&p) != nil {
			return "", false
		}
		msg := "✔ " + p.Name + " completed"
		if p.Locator != "" {
			msg += " → " + p.Locator
		}
		return okStyle.Render(msg), true
	case domain.EventError:
		var p domain.ErrorEvent
		if ev.DecodePayload(&p) != nil {
			return "", false
		}
		msg := "✖ " + p.Message
		if p.Code != "" {
			msg += " (" + string(p.Code) + ")"
		}
		return errStyle.Render(msg), true
	case domain.EventPortsListed:
		var p domain.PortsListed
		if ev.DecodePayload(&p) != nil {
			return "", false
		}
		return dimStyle.Render(fmt.Sprintf("ports changed: %d found", len(p.Ports))), true
	}
	return "", false
}

func progressBar(percent, width int) string {
	percent = min(max(percent, 0), 100)
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// newEventPrinter returns a relay subscriber that writes events to w.
func newEventPrinter(w io.Writer) *eventbus.FuncSubscriber {
	return eventbus.NewFuncSubscriber(func(ev domain.Event) error {
		if line, ok := formatEvent(ev); ok {
			fmt.Fprintln(w, line)
		}
		return nil
	}, nil)
}
