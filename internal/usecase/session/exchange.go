package session

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"esp32-tools/internal/domain"
	"esp32-tools/internal/infra/tracer"
)

const readChunk = 4096

// Execute sends request as one line and collects response lines until a
// completion keyword arrives, the device goes quiet, or the overall deadline
// passes. Timeouts are not errors: they are reported through the exchange
// status. The only errors are ErrNotConnected and ErrTransportWrite.
func (s *Session) Execute(ctx context.Context, request string, opts domain.ExchangeOptions) (ex *domain.CommandExchange, err error) {
	ctx, span := tracer.StartSpan(ctx, "session.execute")
	span.SetAttributes(tracer.StringAttr("command", request))
	defer func() {
		if ex != nil {
			span.SetAttributes(
				tracer.StringAttr("exchange.status", string(ex.Status)),
				tracer.IntAttr("exchange.lines", len(ex.Lines)),
				tracer.DurationAttr("exchange.elapsed_ms", ex.Elapsed),
			)
		}
		tracer.Finish(span, err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transport
	if t == nil {
		return nil, domain.NewDomainError("Session.Execute", domain.ErrNotConnected, request)
	}

	overall := cmp.Or(opts.OverallTimeout, s.opts.OverallTimeout)
	quiet := cmp.Or(opts.QuietTimeout, s.opts.QuietTimeout)
	start := time.Now()
	ex = &domain.CommandExchange{
		Request:         request,
		Status:          domain.ExchangePending,
		OverallDeadline: start.Add(overall),
		QuietDeadline:   start.Add(quiet),
	}

	if err := t.ResetInputBuffer(); err != nil {
		s.logger.Warn("reset input buffer failed", "error", err)
	}
	if err := s.send(t, request); err != nil {
		return nil, err
	}
	if err := t.SetReadTimeout(s.opts.PollInterval); err != nil {
		s.logger.Warn("set read timeout failed", "error", err)
	}

	s.collect(ctx, t, ex, quiet)
	ex.Elapsed = time.Since(start)

	s.logger.Debug("exchange finished",
		"command", request,
		"status", ex.Status,
		"lines", len(ex.Lines),
		"elapsed", ex.Elapsed,
	)
	if opts.Announce && s.relay != nil {
		s.relay.Broadcast(ctx, domain.NewEvent(domain.EventCommandResponse, domain.CommandResponse{
			Command:  request,
			Response: ex.Response(),
			Status:   ex.Status,
		}))
	}
	return ex, nil
}

func (s *Session) send(t domain.Transport, request string) error {
	if _, err := t.Write([]byte(request + "\n")); err != nil {
		return domain.NewDomainError("Session.Execute", fmt.Errorf("%w: %w", domain.ErrTransportWrite, err), request)
	}
	if err := t.Drain(); err != nil {
		return domain.NewDomainError("Session.Execute", fmt.Errorf("%w: %w", domain.ErrTransportWrite, err), request)
	}
	return nil
}

// collect runs the poll loop and sets a terminal status on ex.
func (s *Session) collect(ctx context.Context, t domain.Transport, ex *domain.CommandExchange, quiet time.Duration) {
	buf := make([]byte, readChunk)
	var partial []byte

	for {
		n, rerr := t.Read(buf)
		now := time.Now()

		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := partial[:i]
				partial = partial[i+1:]
				if s.appendLine(ex, line) {
					ex.QuietDeadline = now.Add(quiet)
					if s.hasKeyword(ex.Lines[len(ex.Lines)-1]) {
						ex.Status = domain.ExchangeCompletedByKeyword
						return
					}
				}
			}
		}

		if rerr != nil {
			s.logger.Warn("read failed during exchange", "command", ex.Request, "error", rerr)
			s.appendLine(ex, partial)
			ex.Status = terminal(ex, domain.ExchangeCompletedByQuiet)
			return
		}

		if now.After(ex.OverallDeadline) || ctx.Err() != nil {
			s.appendLine(ex, partial)
			ex.Status = terminal(ex, domain.ExchangeCompletedByTimeout)
			return
		}

		if now.After(ex.QuietDeadline) && (len(ex.Lines) > 0 || len(partial) > 0) {
			// A prompt without a trailing newline counts as a line once the
			// device has gone quiet.
			if s.appendLine(ex, partial) && s.hasKeyword(ex.Lines[len(ex.Lines)-1]) {
				ex.Status = domain.ExchangeCompletedByKeyword
				return
			}
			partial = nil
			if len(ex.Lines) > 0 {
				ex.Status = domain.ExchangeCompletedByQuiet
				return
			}
		}
	}
}

// appendLine decodes, trims and appends raw. It reports whether a non-empty
// line was added.
func (s *Session) appendLine(ex *domain.CommandExchange, raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	if !utf8.Valid(raw) {
		s.logger.Debug("replacing invalid bytes", "command", ex.Request, "error", domain.ErrDecodeAnomaly)
		raw = bytes.ToValidUTF8(raw, []byte(string(utf8.RuneError)))
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return false
	}
	ex.Lines = append(ex.Lines, line)
	return true
}

func (s *Session) hasKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// terminal returns status, or NoResponse when nothing was received.
func terminal(ex *domain.CommandExchange, status domain.ExchangeStatus) domain.ExchangeStatus {
	if len(ex.Lines) == 0 {
		return domain.ExchangeNoResponse
	}
	return status
}
