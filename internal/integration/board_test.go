//go:build integration

package integration

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/adapter/dumpstore"
	"esp32-tools/internal/adapter/serialport"
	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/logger"
	"esp32-tools/internal/usecase/catalog"
	"esp32-tools/internal/usecase/eventbus"
	"esp32-tools/internal/usecase/operation"
	"esp32-tools/internal/usecase/session"
)

type board struct {
	catalog *catalog.Catalog
	session *session.Session
	ops     *operation.Orchestrator
	store   *dumpstore.Store
	events  *eventbus.ChannelSubscriber
}

func newBoard(t *testing.T, cfg *Config) *board {
	t.Helper()
	defaults := config.Defaults()
	serialCfg := defaults.Serial
	serialCfg.Backend = "native"
	serialCfg.BaudRate = cfg.BaudRate

	log := logger.Discard()
	backend, err := serialport.New(serialCfg, log)
	require.NoError(t, err)

	relay := eventbus.New(log)
	t.Cleanup(relay.Close)
	events := relay.Subscribe(1024)

	rules, err := catalog.RulesFromConfig(serialCfg.Allowlist)
	require.NoError(t, err)
	cat := catalog.New(backend, rules, serialCfg.Keywords, log)

	sess := session.New(backend, cat, relay, session.OptionsFromConfig(serialCfg), log)
	t.Cleanup(sess.Close)

	store, err := dumpstore.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opCfg := defaults.Operation
	opCfg.ProgressDelay = time.Millisecond
	return &board{
		catalog: cat,
		session: sess,
		ops:     operation.New(sess, relay, store, opCfg, log),
		store:   store,
		events:  events,
	}
}

func TestBoard_Discovered(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoBoard(t, cfg)
	b := newBoard(t, cfg)

	ports, err := b.catalog.Discover(NewTestContext(t, 10*time.Second))
	require.NoError(t, err)

	var found *domain.PortCandidate
	for i := range ports {
		if ports[i].Address == cfg.Port {
			found = &ports[i]
		}
	}
	require.NotNil(t, found, "board port %s not enumerated", cfg.Port)
	t.Logf("board: %s (likely=%v confidence=%d)", found.Description, found.Likely, found.Confidence)
}

func TestBoard_ConnectAndIdentify(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoBoard(t, cfg)
	b := newBoard(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	require.NoError(t, b.session.Connect(ctx, session.ConnectRequest{Address: cfg.Port, BaudRate: cfg.BaudRate}))
	assert.Equal(t, domain.StateConnected, b.session.Status().State)

	res := b.ops.Run(ctx, operation.Request{Name: operation.Detect, Command: operation.IdentifyCommand})
	require.NoError(t, res.Err)
	t.Logf("detect: %s (%s)", res.Response, res.Status)
	assert.Contains(t, res.Response, "CHIP_ID:")
	assert.NotContains(t, res.Response, "Unknown command")

	require.NoError(t, b.session.Disconnect())
	assert.Equal(t, domain.StateDisconnected, b.session.Status().State)

	seen := map[domain.EventType]int{}
	for len(b.events.Events()) > 0 {
		seen[(<-b.events.Events()).Type]++
	}
	assert.GreaterOrEqual(t, seen[domain.EventConnectionStatus], 2, "connect and disconnect announced")
	assert.Equal(t, 1, seen[domain.EventOperationCompleted])
}

func TestBoard_DumpIsRecorded(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoBoard(t, cfg)
	if cfg.SkipSlow {
		t.Skip("Skipping slow flash dump")
	}
	b := newBoard(t, cfg)
	ctx := NewTestContext(t, 2*time.Minute)

	require.NoError(t, b.session.Connect(ctx, session.ConnectRequest{Address: cfg.Port, BaudRate: cfg.BaudRate}))

	res := b.ops.Run(ctx, operation.Request{
		Name:    operation.Dump,
		Command: operation.DumpCommand(0, cfg.DumpSize),
		Record:  true,
		Attributes: map[string]string{
			"device": "integration",
		},
	})
	require.NoError(t, res.Err)
	require.NotEmpty(t, res.Locator, "dump should be recorded")
	assert.Contains(t, res.Response, "DUMP_START:")

	assert.FileExists(t, res.Locator)
	assert.True(t, strings.Contains(filepath.Base(res.Locator), "integration"), res.Locator)

	records, err := b.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Locator, records[0].File)
}
