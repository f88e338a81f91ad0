package modem

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/gsmgw/at"
)

const maxLineLength = 64 * 1024

// Event is an unsolicited block pulled out of the response stream.
type Event struct {
	Kind at.EventKind
	Raw  string
	At   time.Time
}

// Response is a solicited reply block.
type Response struct {
	Raw   string
	Lines []string
	Code  int
	// Event is set when the caller intercepted an unsolicited reply.
	Event at.EventKind
}

// OK reports whether the reply carried a success terminator.
func (r Response) OK() bool {
	return r.Code == at.CodeOK
}

// Err returns nil for a successful reply and an *ATError otherwise.
func (r Response) Err(cmd string) error {
	if r.OK() {
		return nil
	}
	return &ATError{Command: cmd, Code: r.Code, Response: r.Raw}
}

// Prompt reports whether the reply is the SMS input prompt.
func (r Response) Prompt() bool {
	return len(r.Lines) > 0 && at.Classify(r.Lines[len(r.Lines)-1]) == at.TypePrompt
}

// Data returns the reply lines that carry prefix, with the prefix removed.
func (r Response) Data(prefix string) []string {
	var out []string
	for _, line := range r.Lines {
		if v, ok := strings.CutPrefix(line, prefix); ok {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

// synchronizer assembles buffered bytes into terminator matched blocks and
// separates unsolicited events from the reply of the command in flight.
type synchronizer struct {
	buf          *CircularBuffer
	events       chan Event
	trailerGrace time.Duration
	logger       *slog.Logger
	lost         atomic.Uint64
}

func newSynchronizer(buf *CircularBuffer, queue int, grace time.Duration, logger *slog.Logger) *synchronizer {
	return &synchronizer{
		buf:          buf,
		events:       make(chan Event, queue),
		trailerGrace: grace,
		logger:       logger,
	}
}

// pump copies transport bytes into the buffer until the transport fails or
// ctx is done. It is the only reader of the transport.
func (s *synchronizer) pump(ctx context.Context, t Transport) error {
	chunk := make([]byte, 512)
	for {
		n, err := t.Read(chunk)
		for _, c := range chunk[:n] {
			if perr := s.buf.Put(ctx, c); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if n == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

// readLine returns the next non-blank line, or the input prompt.
func (s *synchronizer) readLine(ctx context.Context) (string, error) {
	var line []byte
	for {
		c, err := s.buf.Get(ctx)
		if err != nil {
			return string(line), err
		}
		switch c {
		case '\r', '\n':
			if len(bytes.TrimSpace(line)) == 0 {
				line = line[:0]
				continue
			}
			return strings.TrimSpace(string(line)), nil
		case '>':
			if len(bytes.TrimSpace(line)) == 0 {
				if next := s.buf.PeekN(1); len(next) == 1 && next[0] == ' ' {
					_, _ = s.buf.Get(ctx)
				}
				return at.Prompt, nil
			}
			line = append(line, c)
		default:
			line = append(line, c)
			if len(line) > maxLineLength {
				return "", ErrLineTooLong
			}
		}
	}
}

// response reads lines until a terminator matches. Unsolicited blocks are
// dispatched to the event queue and the wait continues, unless the block is
// of the intercept kind, in which case it is returned to the caller.
func (s *synchronizer) response(ctx context.Context, intercept at.EventKind) (Response, error) {
	var lines []string
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return Response{Raw: strings.Join(lines, at.CRLF), Lines: lines, Code: at.CodeInvalid}, err
		}

		term, ok := at.MatchTerminator(line)
		if ok && term.Unsolicited() {
			if intercept != at.EventNone && term.Event == intercept {
				return Response{Raw: line, Lines: []string{line}, Code: at.CodeOK, Event: term.Event}, nil
			}
			s.dispatch(term.Event, line)
			continue
		}

		lines = append(lines, line)
		if !ok {
			continue
		}
		if term.Trailer {
			lines = s.absorbTrailer(ctx, lines)
		}
		raw := strings.Join(lines, at.CRLF)
		return Response{Raw: raw, Lines: lines, Code: at.ErrorCode(raw)}, nil
	}
}

// absorbTrailer consumes an OK that follows a SIM state reply closely
// enough to belong to it.
func (s *synchronizer) absorbTrailer(ctx context.Context, lines []string) []string {
	graceCtx, cancel := context.WithTimeout(ctx, s.trailerGrace)
	defer cancel()

	for {
		if _, err := s.buf.Peek(graceCtx); err != nil {
			return lines
		}
		look := bytes.TrimLeft(s.buf.PeekN(len(at.OK)+4), "\r\n")
		if len(look) == 0 {
			_, _ = s.buf.Get(graceCtx)
			continue
		}
		if !bytes.HasPrefix(look, []byte(at.OK)) {
			return lines
		}
		line, err := s.readLine(graceCtx)
		if err == nil {
			lines = append(lines, line)
		}
		return lines
	}
}

// drain consumes complete lines left over from earlier exchanges before a
// new command is written. Unsolicited lines among them are still dispatched.
// It never blocks.
func (s *synchronizer) drain(ctx context.Context) {
	pending := s.buf.PeekN(s.buf.Len())
	end := bytes.LastIndexAny(pending, "\r\n")
	if end < 0 {
		return
	}
	for range end + 1 {
		if _, err := s.buf.Get(ctx); err != nil {
			return
		}
	}
	for _, line := range at.Lines(string(pending[:end+1])) {
		if term, ok := at.MatchTerminator(line); ok && term.Unsolicited() {
			s.dispatch(term.Event, line)
			continue
		}
		s.logger.Debug("Discarding stale modem output", "line", line)
	}
}

func (s *synchronizer) dispatch(kind at.EventKind, raw string) {
	ev := Event{Kind: kind, Raw: raw, At: time.Now()}
	select {
	case s.events <- ev:
		s.logger.Debug("Unsolicited event", "kind", kind, "raw", raw)
	default:
		s.lost.Add(1)
		s.logger.Warn("Event queue full, dropping unsolicited event", "kind", kind, "raw", raw)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
