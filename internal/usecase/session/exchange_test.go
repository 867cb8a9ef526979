package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
)

func connected(t *testing.T, replies map[string][]step) (*harness, *fakeDevice) {
	t.Helper()
	opener := &fakeOpener{newDevice: func() *fakeDevice { return newFakeDevice(replies) }}
	h := newHarness(t, opener, nil, testOptions())
	require.NoError(t, h.session.Connect(context.Background(), ConnectRequest{Address: "P1"}))
	h.connectionEvents(t)
	return h, opener.lastDevice()
}

func TestExecute_NotConnected(t *testing.T) {
	opener := &fakeOpener{}
	h := newHarness(t, opener, nil, testOptions())

	ex, err := h.session.Execute(context.Background(), "id", domain.ExchangeOptions{})

	assert.Nil(t, ex)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, 0, opener.openCount())
}

func TestExecute_CompletesByKeyword(t *testing.T) {
	h, dev := connected(t, map[string][]step{
		"id": {{after: 20 * time.Millisecond, data: "chip=X ready\n"}},
	})

	ex, err := h.session.Execute(context.Background(), "id", domain.ExchangeOptions{
		OverallTimeout: 5 * time.Second,
		QuietTimeout:   3 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeCompletedByKeyword, ex.Status)
	assert.Equal(t, []string{"chip=X ready"}, ex.Lines)
	assert.Equal(t, "chip=X ready", ex.Response())
	assert.Less(t, ex.Elapsed, time.Second, "keyword must end the exchange without waiting for quiet")
	assert.Contains(t, dev.entries(), "W:id")
}

func TestExecute_KeywordIsCaseInsensitiveSubstring(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"go": {{data: "step one\nALL DONE!\nignored\n"}},
	})

	ex, err := h.session.Execute(context.Background(), "go", domain.ExchangeOptions{
		OverallTimeout: 2 * time.Second,
		QuietTimeout:   time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeCompletedByKeyword, ex.Status)
	assert.Equal(t, []string{"step one", "ALL DONE!"}, ex.Lines)
}

func TestExecute_CompletesByQuiet(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"info": {
			{after: 10 * time.Millisecond, data: "line one\n"},
			{after: 30 * time.Millisecond, data: "line two\n"},
		},
	})
	quiet := 100 * time.Millisecond

	ex, err := h.session.Execute(context.Background(), "info", domain.ExchangeOptions{
		OverallTimeout: 5 * time.Second,
		QuietTimeout:   quiet,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeCompletedByQuiet, ex.Status)
	assert.Equal(t, []string{"line one", "line two"}, ex.Lines)
	assert.GreaterOrEqual(t, ex.Elapsed, 40*time.Millisecond+quiet, "quiet is measured from the last line")
	assert.Less(t, ex.Elapsed, time.Second)
}

func TestExecute_NoResponse(t *testing.T) {
	h, _ := connected(t, nil)
	overall := 100 * time.Millisecond

	ex, err := h.session.Execute(context.Background(), "silent", domain.ExchangeOptions{
		OverallTimeout: overall,
		QuietTimeout:   20 * time.Millisecond,
	})

	require.NoError(t, err, "timeouts are not errors")
	assert.Equal(t, domain.ExchangeNoResponse, ex.Status)
	assert.Empty(t, ex.Lines)
	assert.Equal(t, domain.NoResponse, ex.Response())
	assert.GreaterOrEqual(t, ex.Elapsed, overall)
	assert.Less(t, ex.Elapsed, overall+testOptions().PollInterval+100*time.Millisecond)
}

func TestExecute_OverallTimeoutWithStreamingDevice(t *testing.T) {
	var ticks []step
	for i := range 50 {
		ticks = append(ticks, step{after: 10 * time.Millisecond, data: fmt.Sprintf("tick %d\n", i)})
	}
	h, _ := connected(t, map[string][]step{"stream": ticks})
	overall := 120 * time.Millisecond

	ex, err := h.session.Execute(context.Background(), "stream", domain.ExchangeOptions{
		OverallTimeout: overall,
		QuietTimeout:   time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeCompletedByTimeout, ex.Status)
	assert.NotEmpty(t, ex.Lines)
	assert.Less(t, ex.Elapsed, overall+100*time.Millisecond)
}

func TestExecute_InvalidUTF8IsReplaced(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"raw": {{data: "\xffabc ok\r\n"}},
	})

	ex, err := h.session.Execute(context.Background(), "raw", domain.ExchangeOptions{
		OverallTimeout: time.Second,
		QuietTimeout:   500 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"�abc ok"}, ex.Lines)
	assert.Equal(t, domain.ExchangeCompletedByKeyword, ex.Status)
}

func TestExecute_PromptWithoutNewline(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"RESET": {{data: "Rebooting\nReady> "}},
	})

	ex, err := h.session.Execute(context.Background(), "RESET", domain.ExchangeOptions{
		OverallTimeout: 2 * time.Second,
		QuietTimeout:   50 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Rebooting", "Ready>"}, ex.Lines)
	assert.Equal(t, domain.ExchangeCompletedByKeyword, ex.Status)
}

func TestExecute_SkipsBlankLines(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"x": {{data: "\n\n  \nvalue=1\n\n"}},
	})

	ex, err := h.session.Execute(context.Background(), "x", domain.ExchangeOptions{
		OverallTimeout: time.Second,
		QuietTimeout:   30 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"value=1"}, ex.Lines)
	assert.Equal(t, domain.ExchangeCompletedByQuiet, ex.Status)
}

func TestExecute_WriteFailure(t *testing.T) {
	h, dev := connected(t, nil)
	dev.mu.Lock()
	dev.writeErr = errors.New("cable pulled")
	dev.mu.Unlock()

	ex, err := h.session.Execute(context.Background(), "id", domain.ExchangeOptions{})

	assert.Nil(t, ex)
	assert.ErrorIs(t, err, domain.ErrTransportWrite)
	assert.Equal(t, domain.CodeTransportWrite, domain.ErrorCodeOf(err))
}

func TestExecute_ReadErrorEndsExchange(t *testing.T) {
	h, dev := connected(t, nil)
	dev.mu.Lock()
	dev.readErr = errors.New("device removed")
	dev.mu.Unlock()

	ex, err := h.session.Execute(context.Background(), "id", domain.ExchangeOptions{
		OverallTimeout: 5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeNoResponse, ex.Status)
	assert.Less(t, ex.Elapsed, time.Second)
}

func TestExecute_CancelledContextEndsAsTimeout(t *testing.T) {
	h, _ := connected(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ex, err := h.session.Execute(ctx, "silent", domain.ExchangeOptions{OverallTimeout: 5 * time.Second})

	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeNoResponse, ex.Status)
	assert.Less(t, ex.Elapsed, time.Second)
}

func TestExecute_AnnounceBroadcastsResponse(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"id": {{data: "chip=X ready\n"}},
	})

	_, err := h.session.Execute(context.Background(), "id", domain.ExchangeOptions{
		OverallTimeout: time.Second,
		Announce:       true,
	})
	require.NoError(t, err)

	select {
	case ev := <-h.events.Events():
		require.Equal(t, domain.EventCommandResponse, ev.Type)
		var cr domain.CommandResponse
		require.NoError(t, ev.DecodePayload(&cr))
		assert.Equal(t, "id", cr.Command)
		assert.Equal(t, "chip=X ready", cr.Response)
		assert.Equal(t, domain.ExchangeCompletedByKeyword, cr.Status)
	default:
		t.Fatal("expected command.response event")
	}
}

func TestExecute_WithoutAnnounceIsSilent(t *testing.T) {
	h, _ := connected(t, map[string][]step{
		"id": {{data: "chip=X ready\n"}},
	})

	_, err := h.session.Execute(context.Background(), "id", domain.ExchangeOptions{OverallTimeout: time.Second})
	require.NoError(t, err)

	assert.Empty(t, h.events.Events())
}

func TestExecute_ConcurrentExchangesDoNotInterleave(t *testing.T) {
	replies := map[string][]step{}
	commands := []string{"a", "b", "c", "d"}
	for _, c := range commands {
		replies[c] = []step{
			{after: 15 * time.Millisecond, data: "reply-" + c + "\n"},
			{after: 15 * time.Millisecond, data: "end-" + c + " done\n"},
		}
	}
	h, dev := connected(t, replies)

	var wg sync.WaitGroup
	results := make([]*domain.CommandExchange, len(commands))
	for i, c := range commands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex, err := h.session.Execute(context.Background(), c, domain.ExchangeOptions{
				OverallTimeout: 2 * time.Second,
				QuietTimeout:   time.Second,
			})
			assert.NoError(t, err)
			results[i] = ex
		}()
	}
	wg.Wait()

	for i, c := range commands {
		require.NotNil(t, results[i])
		assert.Equal(t, []string{"reply-" + c, "end-" + c + " done"}, results[i].Lines)
	}

	// Each write is followed by that command's own reads before the next write.
	var current string
	for _, e := range dev.entries()[1:] {
		switch {
		case len(e) > 2 && e[:2] == "W:":
			current = e[2:]
		case len(e) > 2 && e[:2] == "R:":
			assert.Contains(t, e, current, "read %q interleaved with exchange %q", e, current)
		}
	}
}
