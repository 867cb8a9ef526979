// Package discovery advertises the gateway on the local network and finds
// other gateways via mDNS/DNS-SD.
package discovery

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"esp32-tools/internal/infra/config"
)

const (
	defaultService     = "_esp32-tools._tcp"
	defaultDomain      = "local."
	defaultScanTimeout = 3 * time.Second
)

// Gateway is a gateway instance found on the network.
type Gateway struct {
	Instance string            `json:"instance"`
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MDNS registers and browses gateway services.
type MDNS struct {
	instance string
	service  string
	domain   string
	logger   *slog.Logger
}

// NewMDNS creates an mDNS adapter from the gateway mdns section.
func NewMDNS(cfg config.MDNSConfig, logger *slog.Logger) *MDNS {
	return &MDNS{
		instance: cmp.Or(cfg.Instance, "esp32-tools"),
		service:  cmp.Or(cfg.Service, defaultService),
		domain:   cmp.Or(cfg.Domain, defaultDomain),
		logger:   logger,
	}
}

// Advertise registers the gateway listening on port. It blocks until ctx is
// cancelled. Call it in a goroutine.
func (m *MDNS) Advertise(ctx context.Context, port int, metadata map[string]string) error {
	server, err := zeroconf.Register(m.instance, m.service, m.domain, port, txtRecords(metadata), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	m.logger.Info("mdns advertising", "instance", m.instance, "service", m.service, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Scan browses for gateways until timeout (default 3s) or ctx ends.
func (m *MDNS) Scan(ctx context.Context, timeout time.Duration) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var gateways []Gateway
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, cmp.Or(timeout, defaultScanTimeout))
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			gw := entryToGateway(entry)
			gateways = append(gateways, gw)
			m.logger.Debug("mdns discovered gateway", "instance", gw.Instance, "address", gw.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, m.service, m.domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The resolver closes entries once scanCtx is done.
	<-scanCtx.Done()
	wg.Wait()

	slices.SortFunc(gateways, func(a, b Gateway) int { return strings.Compare(a.Instance, b.Instance) })
	return gateways, nil
}

func entryToGateway(entry *zeroconf.ServiceEntry) Gateway {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}
	return Gateway{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		Metadata: parseTXTRecords(entry.Text),
	}
}

// txtRecords renders metadata as key=value pairs sorted by key.
func txtRecords(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		txt = append(txt, k+"="+metadata[k])
	}
	return txt
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}
