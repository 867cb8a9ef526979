package domain

import (
	"context"
	"time"
)

// DumpRecord is the metadata kept for one stored dump.
type DumpRecord struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	File       string            `json:"file"`
	Size       int64             `json:"size"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"timestamp"`
}

// SizeMB returns the payload size in megabytes.
func (r DumpRecord) SizeMB() float64 { return float64(r.Size) / (1024 * 1024) }

// DumpStore persists operation output. Record returns an opaque locator.
type DumpStore interface {
	Record(ctx context.Context, name string, data []byte, attrs map[string]string) (string, error)
}

// DumpCatalog lists and fetches stored dumps.
type DumpCatalog interface {
	List(ctx context.Context) ([]DumpRecord, error)
	Get(ctx context.Context, id string) (*DumpRecord, error)
}
