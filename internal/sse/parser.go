// Package sse implements a strict incremental decoder for the
// text/event-stream wire format. The parser never blocks and never reads from
// the network itself: callers feed it chunks as they arrive and collect the
// events completed by each chunk, so the same parser serves both live
// connections and replayed fixtures.
package sse

import (
	"bytes"
	"strings"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
)

// Event is one dispatched server-sent event. Name is the value of the last
// "event:" field ("message" when absent), Data is all "data:" lines joined
// with a newline, ID is the last "id:" field seen for this event.
type Event struct {
	Name string
	Data string
	ID   string
}

// Parser is an incremental event-stream decoder. It is not safe for
// concurrent use; each stream owns its own parser.
type Parser struct {
	buf       []byte
	dataLines []string
	eventName string
	id        string
	sawField  bool
}

// NewParser returns a parser at the start-of-stream state.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes the next chunk and returns the events it completed, in wire
// order. Chunk boundaries carry no meaning: feeding a byte at a time yields
// the same events as feeding the whole stream at once.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		// CRLF line endings are accepted.
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if ev, ok := p.consumeLine(string(line)); ok {
			events = append(events, ev)
		}
	}
	return events
}

// consumeLine applies one complete line to the pending event. It returns the
// dispatched event when the line was the blank delimiter of a non-empty
// event.
func (p *Parser) consumeLine(line string) (Event, bool) {
	if line == "" {
		return p.dispatch()
	}
	// Comment lines double as keep-alives.
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value := splitField(line)
	switch field {
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.sawField = true
	case "event":
		p.eventName = value
		p.sawField = true
	case "id":
		// Ids containing NUL are ignored per the event-stream format.
		if !strings.ContainsRune(value, '\x00') {
			p.id = value
			p.sawField = true
		}
	default:
		// Unknown fields (including "retry") are tolerated and skipped.
	}
	return Event{}, false
}

// dispatch finalizes the pending event at a blank line. Events without any
// data are dropped, matching browser EventSource behavior, but the pending
// state is still reset.
func (p *Parser) dispatch() (Event, bool) {
	defer func() {
		p.dataLines = nil
		p.eventName = ""
		p.sawField = false
		// The last-seen id persists across events by design of the format.
	}()

	if len(p.dataLines) == 0 {
		return Event{}, false
	}

	name := p.eventName
	if name == "" {
		name = "message"
	}
	return Event{
		Name: name,
		Data: strings.Join(p.dataLines, "\n"),
		ID:   p.id,
	}, true
}

// FlushPartial reports whether the stream ended cleanly. A non-nil result is
// an IncompleteEventError describing the truncated trailing event; callers
// treat it as a connection drop rather than normal completion.
func (p *Parser) FlushPartial() error {
	buffered := len(p.buf)
	for _, l := range p.dataLines {
		buffered += len(l) + 1
	}
	if buffered == 0 && !p.sawField {
		return nil
	}
	return &schemas.IncompleteEventError{BufferedBytes: buffered}
}

// splitField separates "field: value" per the event-stream grammar: the value
// starts after the first colon, minus at most one leading space.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
