package dumpstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	cur := start
	return func() time.Time {
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func TestOpen_CreatesLayout(t *testing.T) {
	s := newTestStore(t)
	for _, sub := range []string{"dumps", "metadata", "reports", "temp"} {
		info, err := os.Stat(filepath.Join(s.Dir(), sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}
	_, err := os.Stat(filepath.Join(s.Dir(), "metadata", "index.db"))
	assert.NoError(t, err)
}

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open("", logger.Discard())
	assert.ErrorIs(t, err, domain.ErrDumpStore)
}

func TestRecord_FileNameAndContent(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock(time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local), time.Second)

	locator, err := s.Record(context.Background(), "dump", []byte("DATA"), map[string]string{
		"device": "BIOS board",
		"chip":   "W25Q64",
	})

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "dumps", "BIOS-board_W25Q64_20260314_150926.bin"), locator)
	data, err := os.ReadFile(locator)
	require.NoError(t, err)
	assert.Equal(t, "DATA", string(data))

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "temp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staged file is moved out of temp/")
}

func TestRecord_DefaultDeviceAndCollision(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock(time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local), 0)

	first, err := s.Record(context.Background(), "dump", []byte("a"), nil)
	require.NoError(t, err)
	second, err := s.Record(context.Background(), "dump", []byte("b"), nil)
	require.NoError(t, err)

	assert.Equal(t, "ESP32_20260314_150926.bin", filepath.Base(first))
	assert.Equal(t, "ESP32_20260314_150926_1.bin", filepath.Base(second))
}

func TestListAndGet(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute)
	ctx := context.Background()

	_, err := s.Record(ctx, "dump", []byte("old"), map[string]string{"device": "a"})
	require.NoError(t, err)
	_, err = s.Record(ctx, "detect", []byte("newer!"), map[string]string{"device": "b", "status": "no_response"})
	require.NoError(t, err)

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "detect", records[0].Name, "newest first")
	assert.Equal(t, "dump", records[1].Name)
	assert.Equal(t, int64(6), records[0].Size)
	assert.Equal(t, "no_response", records[0].Attributes["status"])
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))

	got, err := s.Get(ctx, records[1].ID)
	require.NoError(t, err)
	assert.Equal(t, records[1], *got)

	_, err = s.Get(ctx, "01NOPE")
	assert.ErrorIs(t, err, domain.ErrDumpNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_Empty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Record(ctx, "dump", []byte("0123456789"), map[string]string{"device": "esp", "chip": "GD25Q"})
	require.NoError(t, err)
	records, err := s.List(ctx)
	require.NoError(t, err)

	path, err := s.Report(ctx, records[0].ID)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "reports"), filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, "_report.txt"))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "Size: 10 bytes")
	assert.Contains(t, text, "   chip: GD25Q")
	assert.Contains(t, text, "File exists: yes")
	assert.Contains(t, text, "Size matches index: yes")

	_, err = s.Report(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDumpNotFound)
}

func TestCleanupTemp(t *testing.T) {
	s := newTestStore(t)
	temp := filepath.Join(s.Dir(), "temp")
	oldFile := filepath.Join(temp, "old.part")
	newFile := filepath.Join(temp, "new.part")
	require.NoError(t, os.WriteFile(oldFile, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(newFile, []byte("y"), 0o600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	removed, err := s.CleanupTemp(24 * time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, oldFile)
	assert.FileExists(t, newFile)
}

func TestInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, payload := range []string{"abc", "defgh"} {
		_, err := s.Record(ctx, "dump", []byte(payload), nil)
		require.NoError(t, err)
	}

	info, err := s.Info(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalDumps)
	assert.Equal(t, int64(8), info.TotalBytes)
	assert.Equal(t, filepath.Join(s.Dir(), "dumps"), info.DumpsDir)
	assert.InDelta(t, 8.0/(1024*1024), info.TotalMB(), 1e-12)
}

func TestReopenKeepsIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, logger.Discard())
	require.NoError(t, err)
	_, err = s.Record(context.Background(), "dump", []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, logger.Discard())
	require.NoError(t, err)
	defer s2.Close()
	records, err := s2.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "BIOS-board", sanitize(" BIOS board "))
	assert.Equal(t, "a-b", sanitize("a/../b"))
	assert.Equal(t, "", sanitize("///"))
	assert.Equal(t, "W25Q64-v2", sanitize("W25Q64.v2"))
}
