package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/usecase/operation"
	"esp32-tools/internal/usecase/session"
)

type fakeSession struct {
	mu         sync.Mutex
	status     domain.SessionStatus
	connectErr error
	requests   []session.ConnectRequest
}

func (f *fakeSession) Connect(_ context.Context, req session.ConnectRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status = domain.SessionStatus{State: domain.StateConnected, Address: "/dev/ttyUSB0", BaudRate: 115200}
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = domain.SessionStatus{State: domain.StateDisconnected}
	return nil
}

func (f *fakeSession) Status() domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) BreakerState() string { return "closed" }

type fakePorts struct {
	ports []domain.PortCandidate
	err   error
}

func (f fakePorts) Discover(context.Context) ([]domain.PortCandidate, error) { return f.ports, f.err }

type fakeRunner struct {
	names []string
	res   operation.Result
}

func (f *fakeRunner) Run(_ context.Context, req operation.Request) operation.Result {
	f.names = append(f.names, req.Name)
	res := f.res
	res.Name = req.Name
	return res
}

func newTestModel(t *testing.T) (*Model, *fakeSession, *fakeRunner, chan domain.Event) {
	t.Helper()
	sess := &fakeSession{status: domain.SessionStatus{State: domain.StateDisconnected}}
	runner := &fakeRunner{res: operation.Result{Response: "CHIP_ID: EF 40 17\nReady>", Status: domain.ExchangeCompletedByKeyword}}
	events := make(chan domain.Event, 4)
	m := New(context.Background(), Deps{
		Session:    sess,
		Ports:      fakePorts{ports: []domain.PortCandidate{{Address: "/dev/ttyUSB0", Description: "CP2102", Likely: true, Confidence: 100}}},
		Operations: runner,
		Events:     events,
		Port:       "/dev/ttyUSB0",
	})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return m, sess, runner, events
}

func key(s string) tea.KeyMsg {
	if s == "ctrl+c" {
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// run executes cmd and feeds its message back into the model.
func run(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	m.Update(cmd())
}

func TestModel_InitialView(t *testing.T) {
	m := New(context.Background(), Deps{Session: &fakeSession{}, Ports: fakePorts{}})
	assert.Equal(t, "  Initializing...", m.View())
}

func TestModel_ConnectAndDetect(t *testing.T) {
	m, sess, runner, _ := newTestModel(t)

	_, cmd := m.Update(key("c"))
	assert.Equal(t, "c", m.busy)
	run(t, m, cmd)

	assert.Empty(t, m.busy)
	assert.Equal(t, []session.ConnectRequest{{Address: "/dev/ttyUSB0"}}, sess.requests)
	assert.True(t, m.status.Connected())
	assert.Contains(t, m.View(), "connected")
	assert.Contains(t, m.View(), "/dev/ttyUSB0 @ 115200")

	_, cmd = m.Update(key("d"))
	run(t, m, cmd)
	assert.Equal(t, []string{operation.Detect}, runner.names)
	assert.Contains(t, m.result, "CHIP_ID: EF 40 17 [completed_by_keyword]")
}

func TestModel_BusyRejectsSecondAction(t *testing.T) {
	m, _, runner, _ := newTestModel(t)

	_, first := m.Update(key("i"))
	require.NotNil(t, first)
	_, second := m.Update(key("r"))

	assert.Nil(t, second)
	assert.Contains(t, m.result, "still running")
	run(t, m, first)
	assert.Equal(t, []string{operation.Info}, runner.names)
}

func TestModel_ActionError(t *testing.T) {
	m, sess, _, _ := newTestModel(t)
	sess.connectErr = errors.New("no such port")

	_, cmd := m.Update(key("c"))
	run(t, m, cmd)

	assert.Contains(t, m.result, "connect: no such port")
	assert.Empty(t, m.busy)
}

func TestModel_EventsFeedStreamAndPorts(t *testing.T) {
	m, _, _, events := newTestModel(t)

	events <- domain.NewEvent(domain.EventPortsListed, domain.PortsListed{Ports: []domain.PortCandidate{
		{Address: "/dev/ttyACM0", Description: "USB JTAG/serial debug unit", Likely: true, Confidence: 95},
		{Address: "/dev/ttyS0", Description: "n/a"},
	}})
	run(t, m, m.waitForEvent())

	require.Len(t, m.ports, 2)
	assert.Len(t, m.stream.events, 1)
	view := m.View()
	assert.Contains(t, view, "/dev/ttyACM0")
	assert.Contains(t, view, "ports.listed")
	assert.Contains(t, view, "2 port(s)")

	close(events)
	run(t, m, m.waitForEvent())
	assert.Contains(t, m.result, "event relay closed")
}

func TestModel_PortScan(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	run(t, m, m.scanPorts())
	assert.Len(t, m.ports, 1)
	assert.Contains(t, m.View(), "CP2102")

	m.deps.Ports = fakePorts{err: errors.New("permission denied")}
	_, cmd := m.Update(key("p"))
	run(t, m, cmd)
	assert.Contains(t, m.result, "port scan failed: permission denied")
	assert.Len(t, m.ports, 1, "previous list kept")
}

func TestModel_Quit(t *testing.T) {
	m, _, _, _ := newTestModel(t)
	for _, k := range []string{"q", "ctrl+c"} {
		_, cmd := m.Update(key(k))
		require.NotNil(t, cmd, k)
		assert.IsType(t, tea.QuitMsg{}, cmd(), k)
	}
}

func TestModel_UnknownKeyGoesToStream(t *testing.T) {
	m, _, runner, _ := newTestModel(t)
	m.Update(key("z"))
	assert.Empty(t, m.busy)
	assert.Empty(t, runner.names)
}

func TestStream_CapsEntries(t *testing.T) {
	s := newStream()
	s.setSize(80, 10)
	for range maxStreamEntries + 10 {
		s.add(domain.NewEvent(domain.EventOperationProgress, domain.OperationProgress{Name: "dump", Percent: 10}))
	}
	assert.Len(t, s.events, maxStreamEntries)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		ev   domain.Event
		want string
	}{
		{domain.NewEvent(domain.EventConnectionStatus, domain.ConnectionStatus{Message: "Connected to COM3"}), "Connected to COM3"},
		{domain.NewEvent(domain.EventCommandResponse, domain.CommandResponse{Command: "id", Response: "a\nb", Status: domain.ExchangeCompletedByQuiet}), `"id" completed_by_quiet (2 lines)`},
		{domain.NewEvent(domain.EventOperationProgress, domain.OperationProgress{Name: "dump", Percent: 40}), "dump 40%"},
		{domain.NewEvent(domain.EventOperationCompleted, domain.OperationCompleted{Name: "dump", Locator: "/d/x.bin"}), "dump -> /d/x.bin"},
		{domain.NewEvent(domain.EventError, domain.ErrorEvent{Message: "boom", Code: "TIMEOUT"}), "boom (TIMEOUT)"},
		{domain.Event{Type: domain.EventError}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, summarize(tt.ev), string(tt.ev.Type))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
