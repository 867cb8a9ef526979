// Package monitor implements the live terminal view of a device session:
// session state, discovered ports and the relay event stream, with hotkeys
// for the built-in operations.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"esp32-tools/internal/adapter/tui/theme"
	"esp32-tools/internal/domain"
	"esp32-tools/internal/usecase/operation"
	"esp32-tools/internal/usecase/session"
)

const (
	statusInterval = 500 * time.Millisecond
	maxPortRows    = 4
)

// Ensure *Model satisfies tea.Model.
var _ tea.Model = (*Model)(nil)

// Session is the part of *session.Session the monitor drives.
type Session interface {
	Connect(ctx context.Context, req session.ConnectRequest) error
	Disconnect() error
	Status() domain.SessionStatus
	BreakerState() string
}

// Runner runs named operations. *operation.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req operation.Request) operation.Result
}

// Deps are the monitor's collaborators. Events is usually the channel of a
// relay subscriber created for the monitor.
type Deps struct {
	Session    Session
	Ports      domain.PortDiscoverer
	Operations Runner
	Events     <-chan domain.Event
	Port       string // empty = auto-discover on connect
}

// Model is the root Bubble Tea model.
type Model struct {
	ctx  context.Context
	deps Deps

	stream  streamModel
	status  domain.SessionStatus
	breaker string
	ports   []domain.PortCandidate
	busy    string
	result  string

	width  int
	height int
}

// New creates the monitor. ctx bounds every device action started from it.
func New(ctx context.Context, deps Deps) *Model {
	return &Model{
		ctx:    ctx,
		deps:   deps,
		stream: newStream(),
		status: deps.Session.Status(),
	}
}

// Init starts the event pump, the first port scan and the status ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), m.scanPorts(), tickStatus())
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case EventMsg:
		m.stream.add(msg.Event)
		if msg.Event.Type == domain.EventPortsListed {
			var p domain.PortsListed
			if msg.Event.DecodePayload(&p) == nil {
				m.setPorts(p.Ports)
			}
		}
		m.refreshStatus()
		return m, m.waitForEvent()

	case relayClosedMsg:
		m.result = theme.TextWarning.Render("event relay closed")
		return m, nil

	case statusTickMsg:
		m.refreshStatus()
		return m, tickStatus()

	case portsMsg:
		if msg.err != nil {
			m.result = theme.TextError.Render("port scan failed: " + msg.err.Error())
			return m, nil
		}
		m.setPorts(msg.ports)
		return m, nil

	case actionDoneMsg:
		m.busy = ""
		if msg.err != nil {
			m.result = theme.TextError.Render(msg.action + ": " + msg.err.Error())
		} else {
			m.result = theme.TextSuccess.Render(msg.action+":") + " " + msg.text
		}
		m.refreshStatus()
		return m, nil
	}

	var cmd tea.Cmd
	m.stream, cmd = m.stream.update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit, true
	case "p":
		return m.scanPorts(), true
	}

	var action func() actionDoneMsg
	switch msg.String() {
	case "c":
		action = m.connect
	case "x":
		action = m.disconnect
	case "d":
		action = m.operation(operation.Detect)
	case "i":
		action = m.operation(operation.Info)
	case "r":
		action = m.operation(operation.Reset)
	default:
		return nil, false
	}
	if m.busy != "" {
		m.result = theme.TextWarning.Render(m.busy + " still running")
		return nil, true
	}
	m.busy = msg.String()
	m.result = theme.TextInfo.Render("working...")
	return func() tea.Msg { return action() }, true
}

func (m *Model) connect() actionDoneMsg {
	err := m.deps.Session.Connect(m.ctx, session.ConnectRequest{Address: m.deps.Port})
	if err != nil {
		return actionDoneMsg{action: "connect", err: err}
	}
	return actionDoneMsg{action: "connect", text: m.deps.Session.Status().Address}
}

func (m *Model) disconnect() actionDoneMsg {
	if err := m.deps.Session.Disconnect(); err != nil {
		return actionDoneMsg{action: "disconnect", err: err}
	}
	return actionDoneMsg{action: "disconnect", text: "closed"}
}

func (m *Model) operation(name string) func() actionDoneMsg {
	return func() actionDoneMsg {
		res := m.deps.Operations.Run(m.ctx, operation.Request{Name: name})
		if res.Err != nil {
			return actionDoneMsg{action: name, err: res.Err}
		}
		first, _, _ := strings.Cut(res.Response, "\n")
		return actionDoneMsg{action: name, text: fmt.Sprintf("%s [%s]", first, res.Status)}
	}
}

func (m *Model) scanPorts() tea.Cmd {
	ports, ctx := m.deps.Ports, m.ctx
	return func() tea.Msg {
		found, err := ports.Discover(ctx)
		return portsMsg{ports: found, err: err}
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	ch := m.deps.Events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return relayClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

func tickStatus() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func (m *Model) refreshStatus() {
	m.status = m.deps.Session.Status()
	m.breaker = m.deps.Session.BreakerState()
}

func (m *Model) setPorts(ports []domain.PortCandidate) {
	m.ports = ports
	m.layout()
}

// View renders the monitor.
func (m *Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.portsView(),
		m.stream.view(),
		" "+m.result,
		m.statusBarView(),
	)
}

func (m *Model) headerView() string {
	state := string(m.status.State)
	parts := []string{
		theme.Title.Render("esp32-tools"),
		theme.StateStyle(state).Render(state),
	}
	if m.status.Address != "" {
		parts = append(parts, fmt.Sprintf("%s @ %d", m.status.Address, m.status.BaudRate))
	}
	if m.status.Connected() && !m.status.ConnectedSince.IsZero() {
		parts = append(parts, theme.Dim.Render("up "+time.Since(m.status.ConnectedSince).Round(time.Second).String()))
	}
	if m.breaker != "" && m.breaker != "disabled" {
		parts = append(parts, theme.TextMuted.Render("breaker "+m.breaker))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) portsView() string {
	var sb strings.Builder
	sb.WriteString(theme.Bold.Render(" Ports"))
	if len(m.ports) == 0 {
		sb.WriteString("\n" + theme.TextMuted.Render("   none found"))
		return sb.String()
	}
	for i, p := range m.ports {
		if i == maxPortRows {
			sb.WriteString("\n" + theme.Dim.Render(fmt.Sprintf("   +%d more", len(m.ports)-maxPortRows)))
			break
		}
		line := fmt.Sprintf("   %-16s %-32s %3d", p.Address, truncate(p.Description, 32), p.Confidence)
		if p.Likely {
			line = theme.TextSuccess.Render(line)
		}
		sb.WriteString("\n" + line)
	}
	return sb.String()
}

func (m *Model) statusBarView() string {
	hints := []struct{ key, desc string }{
		{"c", "connect"},
		{"x", "disconnect"},
		{"d", "detect"},
		{"i", "info"},
		{"r", "reset"},
		{"p", "rescan"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(hints))
	for _, h := range hints {
		parts = append(parts, theme.StatusKey.Render(h.key)+" "+h.desc)
	}
	return theme.StatusBar.Width(m.width).Render(strings.Join(parts, "  "))
}

// layout gives the event stream whatever the fixed rows leave.
func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	portRows := max(1, min(len(m.ports), maxPortRows+1))
	fixed := 1 + 1 + portRows + 1 + 1
	m.stream.setSize(m.width, max(3, m.height-fixed))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
