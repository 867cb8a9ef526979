package domain

import (
	"strings"
	"time"
)

// NoResponse is the response text of an exchange that received no lines.
const NoResponse = "No response received"

// ExchangeStatus is the terminal (or pending) state of a command exchange.
type ExchangeStatus string

const (
	ExchangePending            ExchangeStatus = "pending"
	ExchangeCompletedByKeyword ExchangeStatus = "completed_by_keyword"
	ExchangeCompletedByQuiet   ExchangeStatus = "completed_by_quiet"
	ExchangeCompletedByTimeout ExchangeStatus = "completed_by_overall_timeout"
	ExchangeNoResponse         ExchangeStatus = "no_response"
)

// CommandExchange records one request/response round trip.
type CommandExchange struct {
	Request         string         `json:"command"`
	Lines           []string       `json:"lines"`
	Status          ExchangeStatus `json:"status"`
	OverallDeadline time.Time      `json:"-"`
	QuietDeadline   time.Time      `json:"-"`
	Elapsed         time.Duration  `json:"elapsed"`
}

// Response joins the received lines, or returns NoResponse when there are none.
func (e *CommandExchange) Response() string {
	if len(e.Lines) == 0 {
		return NoResponse
	}
	return strings.Join(e.Lines, "\n")
}

// ExchangeOptions tunes one exchange. Zero durations use the session defaults.
type ExchangeOptions struct {
	OverallTimeout time.Duration
	QuietTimeout   time.Duration
	// Announce broadcasts a command.response event when the exchange ends.
	Announce bool
}
