package domain

import "context"

// PortCandidate is one discovered endpoint with its ESP32 likelihood score.
type PortCandidate struct {
	Address     string  `json:"port"`
	Description string  `json:"description"`
	VendorID    *uint16 `json:"vid,omitempty"`
	ProductID   *uint16 `json:"pid,omitempty"`
	Likely      bool    `json:"likely_esp32"`
	Confidence  int     `json:"confidence"`
}

// RawPort is an endpoint as reported by the platform, before scoring.
type RawPort struct {
	Address     string
	Description string
	VendorID    *uint16
	ProductID   *uint16
}

// PortEnumerator lists the serial endpoints visible to the platform.
type PortEnumerator interface {
	Enumerate(ctx context.Context) ([]RawPort, error)
}

// PortDiscoverer returns scored port candidates.
type PortDiscoverer interface {
	Discover(ctx context.Context) ([]PortCandidate, error)
}

// U16 returns a pointer to v; used to build optional vendor/product IDs.
func U16(v uint16) *uint16 { return &v }
