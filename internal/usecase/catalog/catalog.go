// Package catalog discovers serial endpoints and scores how likely each one
// is to be an ESP32 board.
package catalog

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/config"
	"esp32-tools/internal/infra/tracer"
)

// Confidence scores assigned by the two heuristics.
const (
	ConfidenceAllowlisted = 95
	ConfidenceKeyword     = 70
)

// Rule is an allowlisted USB vendor/product pair. AnyProduct matches every
// product of the vendor.
type Rule struct {
	VendorID   uint16
	ProductID  uint16
	AnyProduct bool
	Label      string
}

func (r Rule) matches(p domain.RawPort) bool {
	if p.VendorID == nil || *p.VendorID != r.VendorID {
		return false
	}
	if r.AnyProduct {
		return true
	}
	return p.ProductID != nil && *p.ProductID == r.ProductID
}

// DefaultKeywords are matched against the lower-cased port description.
var DefaultKeywords = []string{"esp32", "esp", "uart", "serial", "cp210", "ch340", "ftdi"}

// DefaultRules returns the built-in allowlist of USB-serial bridges.
func DefaultRules() []Rule {
	return []Rule{
		{VendorID: 0x10C4, ProductID: 0xEA60, Label: "CP2102 USB to UART Bridge"},
		{VendorID: 0x1A86, ProductID: 0x7523, Label: "CH340 Serial"},
		{VendorID: 0x0403, ProductID: 0x6001, Label: "FTDI USB Serial"},
		{VendorID: 0x239A, AnyProduct: true, Label: "Adafruit Board"},
		{VendorID: 0x303A, AnyProduct: true, Label: "Espressif Systems"},
	}
}

// RulesFromConfig converts configured allowlist entries to rules, in order.
func RulesFromConfig(entries []config.AllowlistEntry) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	for i, e := range entries {
		vid, pid, wildcard, err := e.IDs()
		if err != nil {
			return nil, fmt.Errorf("allowlist[%d]: %w", i, err)
		}
		rules = append(rules, Rule{VendorID: vid, ProductID: pid, AnyProduct: wildcard, Label: e.Label})
	}
	return rules, nil
}

// Catalog enumerates ports on every call; results are never cached.
type Catalog struct {
	enumerator domain.PortEnumerator
	rules      []Rule
	keywords   []string
	logger     *slog.Logger
}

// New creates a Catalog. Nil rules or keywords select the defaults; pass an
// empty non-nil slice to disable a heuristic.
func New(enumerator domain.PortEnumerator, rules []Rule, keywords []string, logger *slog.Logger) *Catalog {
	if rules == nil {
		rules = DefaultRules()
	}
	if keywords == nil {
		keywords = DefaultKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &Catalog{
		enumerator: enumerator,
		rules:      rules,
		keywords:   lowered,
		logger:     logger,
	}
}

// Discover enumerates the platform's serial endpoints and returns them
// scored and sorted, most likely first.
func (c *Catalog) Discover(ctx context.Context) ([]domain.PortCandidate, error) {
	ctx, span := tracer.StartSpan(ctx, "catalog.discover")

	raw, err := c.enumerator.Enumerate(ctx)
	if err != nil {
		err = domain.WrapOp("Catalog.Discover", err)
		tracer.Finish(span, err)
		return nil, err
	}

	candidates := make([]domain.PortCandidate, 0, len(raw))
	likely := 0
	for _, p := range raw {
		cand := c.Score(p)
		if cand.Likely {
			likely++
		}
		candidates = append(candidates, cand)
	}
	SortCandidates(candidates)

	c.logger.Info("scanned serial ports", "total", len(candidates), "likely_esp32", likely)
	span.SetAttributes(tracer.IntAttr("ports", len(candidates)), tracer.IntAttr("likely", likely))
	tracer.Finish(span, nil)
	return candidates, nil
}

// Score applies the allowlist first, then the description keywords.
func (c *Catalog) Score(p domain.RawPort) domain.PortCandidate {
	cand := domain.PortCandidate{
		Address:     p.Address,
		Description: p.Description,
		VendorID:    p.VendorID,
		ProductID:   p.ProductID,
	}

	for _, r := range c.rules {
		if r.matches(p) {
			cand.Likely = true
			cand.Confidence = ConfidenceAllowlisted
			cand.Description = r.Label + " (ESP32 Compatible)"
			return cand
		}
	}

	desc := strings.ToLower(p.Description)
	for _, kw := range c.keywords {
		if strings.Contains(desc, kw) {
			cand.Likely = true
			cand.Confidence = ConfidenceKeyword
			return cand
		}
	}
	return cand
}

// SortCandidates orders by (Likely, Confidence) descending. The sort is
// stable so ties keep enumeration order.
func SortCandidates(c []domain.PortCandidate) {
	slices.SortStableFunc(c, func(a, b domain.PortCandidate) int {
		if a.Likely != b.Likely {
			if a.Likely {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.Confidence, a.Confidence)
	})
}

// PickBest returns the first likely candidate's address, else the first
// candidate's, else false.
func PickBest(candidates []domain.PortCandidate) (string, bool) {
	for _, c := range candidates {
		if c.Likely {
			return c.Address, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0].Address, true
	}
	return "", false
}
