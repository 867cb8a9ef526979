package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/logger"
)

type fakeEnumerator struct {
	ports []domain.RawPort
	err   error
	calls int
}

func (f *fakeEnumerator) Enumerate(context.Context) ([]domain.RawPort, error) {
	f.calls++
	return f.ports, f.err
}

func usb(addr, desc string, vid, pid uint16) domain.RawPort {
	return domain.RawPort{Address: addr, Description: desc, VendorID: domain.U16(vid), ProductID: domain.U16(pid)}
}

func TestScore_Allowlist(t *testing.T) {
	c := New(&fakeEnumerator{}, nil, nil, logger.Discard())

	cand := c.Score(usb("/dev/ttyUSB0", "CP2102N USB to UART", 0x10C4, 0xEA60))
	assert.True(t, cand.Likely)
	assert.Equal(t, ConfidenceAllowlisted, cand.Confidence)
	assert.Equal(t, "CP2102 USB to UART Bridge (ESP32 Compatible)", cand.Description)
	require.NotNil(t, cand.VendorID)
	assert.Equal(t, uint16(0x10C4), *cand.VendorID)
}

func TestScore_AllowlistWildcardProduct(t *testing.T) {
	c := New(&fakeEnumerator{}, nil, nil, logger.Discard())

	cand := c.Score(usb("/dev/ttyACM0", "USB JTAG/serial debug unit", 0x303A, 0x1001))
	assert.True(t, cand.Likely)
	assert.Equal(t, 95, cand.Confidence)
	assert.Equal(t, "Espressif Systems (ESP32 Compatible)", cand.Description)
}

func TestScore_AllowlistProductMismatchFallsBackToKeywords(t *testing.T) {
	c := New(&fakeEnumerator{}, nil, nil, logger.Discard())

	cand := c.Score(usb("/dev/ttyUSB1", "Silicon Labs UART", 0x10C4, 0x0001))
	assert.True(t, cand.Likely)
	assert.Equal(t, ConfidenceKeyword, cand.Confidence)
	assert.Equal(t, "Silicon Labs UART", cand.Description)
}

func TestScore_KeywordCaseInsensitive(t *testing.T) {
	c := New(&fakeEnumerator{}, nil, nil, logger.Discard())

	cand := c.Score(domain.RawPort{Address: "COM3", Description: "USB-SERIAL CH340 (COM3)"})
	assert.True(t, cand.Likely)
	assert.Equal(t, 70, cand.Confidence)
	assert.Nil(t, cand.VendorID)
}

func TestScore_NoMatch(t *testing.T) {
	c := New(&fakeEnumerator{}, nil, nil, logger.Discard())

	cand := c.Score(domain.RawPort{Address: "/dev/ttyS0", Description: "n/a"})
	assert.False(t, cand.Likely)
	assert.Equal(t, 0, cand.Confidence)
}

func TestScore_CustomKeywordsAndEmptyRules(t *testing.T) {
	c := New(&fakeEnumerator{}, []Rule{}, []string{" Pico "}, logger.Discard())

	assert.False(t, c.Score(usb("a", "CP2102", 0x10C4, 0xEA60)).Likely, "allowlist disabled")
	assert.True(t, c.Score(domain.RawPort{Address: "b", Description: "Raspberry PICO"}).Likely)
}

func TestScore_LikelyImpliesConfidence(t *testing.T) {
	c := New(&fakeEnumerator{}, nil, nil, logger.Discard())
	ports := []domain.RawPort{
		usb("a", "x", 0x10C4, 0xEA60),
		usb("b", "x", 0x239A, 0x8029),
		{Address: "c", Description: "esp32-s3"},
		{Address: "d", Description: "bluetooth"},
		{Address: "e"},
	}
	for _, p := range ports {
		cand := c.Score(p)
		if cand.Likely {
			assert.GreaterOrEqual(t, cand.Confidence, 70, p.Address)
		}
		assert.True(t, cand.Confidence >= 0 && cand.Confidence <= 100)
	}
}

func TestDiscover_SortedAndStable(t *testing.T) {
	enum := &fakeEnumerator{ports: []domain.RawPort{
		{Address: "/dev/ttyS0", Description: "n/a"},
		{Address: "/dev/ttyUSB0", Description: "USB Serial"},
		usb("/dev/ttyUSB1", "CP2102", 0x10C4, 0xEA60),
		{Address: "/dev/ttyS1", Description: "n/a"},
		{Address: "/dev/ttyUSB2", Description: "uart bridge"},
	}}
	c := New(enum, nil, nil, logger.Discard())

	got, err := c.Discover(context.Background())
	require.NoError(t, err)

	addrs := make([]string, len(got))
	for i, p := range got {
		addrs[i] = p.Address
	}
	assert.Equal(t, []string{"/dev/ttyUSB1", "/dev/ttyUSB0", "/dev/ttyUSB2", "/dev/ttyS0", "/dev/ttyS1"}, addrs)

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		ordered := (prev.Likely && !cur.Likely) || (prev.Likely == cur.Likely && prev.Confidence >= cur.Confidence)
		assert.True(t, ordered, "candidates %d and %d out of order", i-1, i)
	}
}

func TestDiscover_NeverCached(t *testing.T) {
	enum := &fakeEnumerator{ports: []domain.RawPort{{Address: "/dev/ttyUSB0", Description: "esp32"}}}
	c := New(enum, nil, nil, logger.Discard())

	_, err := c.Discover(context.Background())
	require.NoError(t, err)
	enum.ports = nil
	got, err := c.Discover(context.Background())
	require.NoError(t, err)

	assert.Empty(t, got)
	assert.Equal(t, 2, enum.calls)
}

func TestDiscover_EnumeratorError(t *testing.T) {
	c := New(&fakeEnumerator{err: errors.New("permission denied")}, nil, nil, logger.Discard())

	_, err := c.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Catalog.Discover")
}

func TestPickBest(t *testing.T) {
	_, ok := PickBest(nil)
	assert.False(t, ok)

	addr, ok := PickBest([]domain.PortCandidate{{Address: "/dev/ttyS0"}, {Address: "/dev/ttyS1"}})
	assert.True(t, ok)
	assert.Equal(t, "/dev/ttyS0", addr)

	addr, ok = PickBest([]domain.PortCandidate{{Address: "/dev/ttyS0"}, {Address: "/dev/ttyUSB0", Likely: true, Confidence: 70}})
	assert.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", addr)
}

func TestRulesFromConfig(t *testing.T) {
	rules, err := RulesFromConfig(config.Defaults().Serial.Allowlist)
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)

	_, err = RulesFromConfig([]config.AllowlistEntry{{VendorID: "nope", Label: "x"}})
	assert.Error(t, err)
}
