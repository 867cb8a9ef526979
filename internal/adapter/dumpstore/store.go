// Package dumpstore keeps operation output on disk with a SQLite metadata
// index.
package dumpstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"esp32-tools/internal/domain"
)

const (
	dumpsDir    = "dumps"
	metadataDir = "metadata"
	reportsDir  = "reports"
	tempDir     = "temp"
	indexFile   = "index.db"

	defaultDevice = "ESP32"

	// timeLayout is fixed-width so created_at sorts chronologically as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// Store implements domain.DumpStore and domain.DumpCatalog.
type Store struct {
	base   string
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex // serializes filename and ID allocation
	entropy io.Reader
}

var (
	_ domain.DumpStore   = (*Store)(nil)
	_ domain.DumpCatalog = (*Store)(nil)
)

// Open creates the directory layout under dir (dumps/, metadata/, reports/,
// temp/) and opens the index in metadata/index.db.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty store directory", domain.ErrDumpStore)
	}
	for _, sub := range []string{dumpsDir, metadataDir, reportsDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", domain.ErrDumpStore, sub, err)
		}
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, metadataDir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("open dump index: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dump index: %w", err)
	}
	return &Store{
		base:    dir,
		db:      db,
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dumps (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			file       TEXT NOT NULL UNIQUE,
			size       INTEGER NOT NULL,
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_dumps_created ON dumps(created_at)")
	return err
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.base }

// Record writes data to dumps/<device>[_<chip>]_<YYYYmmdd_HHMMSS>.bin and
// indexes it. attrs "device" and "chip" name the file; all attributes are
// kept in the index. The returned locator is the file path.
func (s *Store) Record(ctx context.Context, name string, data []byte, attrs map[string]string) (string, error) {
	now := s.now()
	if attrs == nil {
		attrs = map[string]string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.allocate(now, attrs["device"], attrs["chip"])
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDumpStore, err)
	}
	if err := s.writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDumpStore, err)
	}

	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("%w: marshal attributes: %w", domain.ErrDumpStore, err)
	}
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO dumps (id, name, file, size, attributes, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, name, path, len(data), string(attrJSON), now.UTC().Format(timeLayout),
	)
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: index %s: %w", domain.ErrDumpStore, filepath.Base(path), err)
	}

	s.logger.Info("dump recorded", "id", id, "file", path, "bytes", len(data))
	return path, nil
}

// allocate picks an unused file name for the given time.
func (s *Store) allocate(now time.Time, device, chip string) (string, error) {
	stem := sanitize(device)
	if stem == "" {
		stem = defaultDevice
	}
	if c := sanitize(chip); c != "" {
		stem += "_" + c
	}
	stem += "_" + now.Format("20060102_150405")

	dir := filepath.Join(s.base, dumpsDir)
	for i := 0; i < 1000; i++ {
		name := stem + ".bin"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.bin", stem, i)
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free file name for %s", stem)
}

// writeAtomic stages data in temp/ and renames it into place.
func (s *Store) writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Join(s.base, tempDir), "dump-*.part")
	if err != nil {
		return fmt.Errorf("stage dump: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write dump: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close dump: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move dump into place: %w", err)
	}
	return nil
}

// List returns all dumps, newest first.
func (s *Store) List(ctx context.Context) ([]domain.DumpRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, file, size, attributes, created_at FROM dumps ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDumpStore, err)
	}
	defer rows.Close()

	var out []domain.DumpRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrDumpStore, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Get returns one dump by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.DumpRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, file, size, attributes, created_at FROM dumps WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("DumpStore.Get", domain.ErrDumpNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDumpStore, err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.DumpRecord, error) {
	var rec domain.DumpRecord
	var attrs, created string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.File, &rec.Size, &attrs, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal dump attributes: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, created)
	return &rec, nil
}

// Report writes a text report for the dump to reports/<stem>_report.txt and
// returns its path.
func (s *Store) Report(ctx context.Context, id string) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	rule := strings.Repeat("=", 80)
	lines := []string{
		rule,
		"ESP32 Dump Report",
		"Generated: " + s.now().Format(time.DateTime),
		rule,
		"",
		"DUMP FILE:",
		"   ID: " + rec.ID,
		"   Filename: " + filepath.Base(rec.File),
		"   Location: " + rec.File,
		fmt.Sprintf("   Size: %d bytes (%.2f MB)", rec.Size, rec.SizeMB()),
		"   Recorded: " + rec.CreatedAt.Local().Format(time.DateTime),
		"   Operation: " + rec.Name,
		"",
		"ATTRIBUTES:",
	}
	if len(rec.Attributes) == 0 {
		lines = append(lines, "   none")
	}
	for _, k := range slices.Sorted(maps.Keys(rec.Attributes)) {
		lines = append(lines, fmt.Sprintf("   %s: %s", k, rec.Attributes[k]))
	}

	info, statErr := os.Stat(rec.File)
	lines = append(lines,
		"",
		"FILE CHECK:",
		"   File exists: "+yesNo(statErr == nil),
		"   Size matches index: "+yesNo(statErr == nil && info.Size() == rec.Size),
		"   Non-empty: "+yesNo(rec.Size > 0),
		"",
		rule,
	)

	stem := strings.TrimSuffix(filepath.Base(rec.File), filepath.Ext(rec.File))
	path := filepath.Join(s.base, reportsDir, stem+"_report.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("%w: write report: %w", domain.ErrDumpStore, err)
	}
	return path, nil
}

// CleanupTemp removes files in temp/ older than maxAge and returns how many
// were removed.
func (s *Store) CleanupTemp(maxAge time.Duration) (int, error) {
	dir := filepath.Join(s.base, tempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read temp dir: %w", domain.ErrDumpStore, err)
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			s.logger.Warn("remove temp file failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("temp files cleaned", "count", removed)
	}
	return removed, nil
}

// Info summarizes the store layout and contents.
type Info struct {
	BaseDir    string `json:"base_dir"`
	DumpsDir   string `json:"dumps_dir"`
	ReportsDir string `json:"reports_dir"`
	TempDir    string `json:"temp_dir"`
	TotalDumps int    `json:"total_dumps"`
	TotalBytes int64  `json:"total_bytes"`
}

// TotalMB returns TotalBytes in megabytes.
func (i Info) TotalMB() float64 { return float64(i.TotalBytes) / (1024 * 1024) }

// Info reports directory locations and indexed totals.
func (s *Store) Info(ctx context.Context) (Info, error) {
	info := Info{
		BaseDir:    s.base,
		DumpsDir:   filepath.Join(s.base, dumpsDir),
		ReportsDir: filepath.Join(s.base, reportsDir),
		TempDir:    filepath.Join(s.base, tempDir),
	}
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM dumps")
	if err := row.Scan(&info.TotalDumps, &info.TotalBytes); err != nil {
		return info, fmt.Errorf("%w: %w", domain.ErrDumpStore, err)
	}
	return info, nil
}

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(s), "-"), "-")
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
