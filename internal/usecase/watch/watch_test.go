package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/logger"
	"esp32-tools/internal/usecase/eventbus"
)

type stubDiscoverer struct {
	mu    sync.Mutex
	ports []domain.PortCandidate
	err   error
	calls int
}

func (s *stubDiscoverer) Discover(context.Context) ([]domain.PortCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.ports, s.err
}

func (s *stubDiscoverer) set(addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = nil
	for _, a := range addrs {
		s.ports = append(s.ports, domain.PortCandidate{Address: a})
	}
}

func (s *stubDiscoverer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestScan_BroadcastsOnlyOnChange(t *testing.T) {
	relay := eventbus.New(logger.Discard())
	sub := relay.Subscribe(16)
	disc := &stubDiscoverer{}
	w := New(disc, relay, logger.Discard())
	ctx := context.Background()

	disc.set("/dev/ttyUSB0")
	changed, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, changed, "first scan always broadcasts")

	changed, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	disc.set("/dev/ttyUSB1", "/dev/ttyUSB0")
	changed, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	disc.set("/dev/ttyUSB0", "/dev/ttyUSB1")
	changed, _ = w.Scan(ctx)
	assert.False(t, changed, "order of discovery does not matter")

	require.Len(t, sub.Events(), 2)
	ev := <-sub.Events()
	assert.Equal(t, domain.EventPortsListed, ev.Type)
	var pl domain.PortsListed
	require.NoError(t, ev.DecodePayload(&pl))
	require.Len(t, pl.Ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", pl.Ports[0].Address)
}

func TestScan_DiscoveryError(t *testing.T) {
	disc := &stubDiscoverer{err: errors.New("no permission")}
	w := New(disc, nil, logger.Discard())

	changed, err := w.Scan(context.Background())

	assert.Error(t, err)
	assert.False(t, changed)
}

func TestStartStop_RunsOnSchedule(t *testing.T) {
	disc := &stubDiscoverer{}
	w := New(disc, nil, logger.Discard())

	require.NoError(t, w.Start(context.Background(), "20ms"))
	require.NoError(t, w.Start(context.Background(), "20ms"), "second start is a no-op")

	assert.Eventually(t, func() bool { return disc.callCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	calls := disc.callCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, disc.callCount(), "no scans after stop")
}

func TestRestart_KeepsSingleSchedule(t *testing.T) {
	disc := &stubDiscoverer{}
	w := New(disc, nil, logger.Discard())

	for range 3 {
		require.NoError(t, w.Start(context.Background(), "1h"))
		require.NoError(t, w.Stop())
	}
	require.NoError(t, w.Start(context.Background(), "1h"))
	t.Cleanup(func() { w.Stop() })

	assert.Len(t, w.cron.Entries(), 1, "each restart replaces the previous schedule")
}

func TestStart_InvalidSchedule(t *testing.T) {
	w := New(&stubDiscoverer{}, nil, logger.Discard())
	assert.Error(t, w.Start(context.Background(), "soon"))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@every 1m", false},
		{"@hourly", false},
		{"10s", false},
		{"250ms", false},
		{"", true},
		{"-1s", true},
		{"0s", true},
		{"whenever", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseSchedule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConstantDelay(t *testing.T) {
	sched, err := ParseSchedule("1500ms")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(1500*time.Millisecond), sched.Next(now))
}
