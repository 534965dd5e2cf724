package sse

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
)

// Event names the server uses when it labels events explicitly. Most of the
// time it does not, and classification falls back to payload shape.
const (
	nameMessage = "message"
	nameEnd     = "end_of_stream"
	nameError   = "error"
)

// Classify maps one wire event onto the typed event model. The payloads are
// loosely typed JSON, so shape probing is deliberate: an explicit event name
// wins, then the terminal step marker, then recognizable payload fields, and
// anything else is surfaced as a status update rather than dropped.
func Classify(ev Event) (schemas.EventKind, string) {
	switch ev.Name {
	case nameEnd:
		return schemas.EventDone, ev.Data
	case nameError:
		return schemas.EventError, ev.Data
	case "text-delta":
		return schemas.EventTextDelta, ev.Data
	}
	if ev.Name != nameMessage && ev.Name != "" {
		// Unknown labeled events degrade to status updates.
		return schemas.EventStatus, ev.Data
	}

	data := strings.TrimSpace(ev.Data)
	if !gjson.Valid(data) {
		// Bare text fragments are deltas.
		return schemas.EventTextDelta, ev.Data
	}

	payload := gjson.Parse(data)
	if stepType := payload.Get("step_type"); stepType.Exists() {
		if strings.EqualFold(stepType.String(), "FINAL") {
			return schemas.EventDone, data
		}
		return schemas.EventStatus, data
	}
	if payload.Get("error").Exists() || payload.Get("error_code").Exists() {
		return schemas.EventError, data
	}
	if payload.Get("final").Bool() {
		return schemas.EventDone, data
	}
	if payload.Get("web_results").IsArray() {
		return schemas.EventSources, data
	}
	if text := payload.Get("text"); text.Exists() && text.String() != "" {
		return schemas.EventTextDelta, text.String()
	}
	return schemas.EventStatus, data
}

// IsAuthExpired reports whether a status payload is the server announcing
// that the presented credentials stopped working mid-stream.
func IsAuthExpired(payload string) bool {
	status := gjson.Get(payload, "status").String()
	switch status {
	case "expired", "token_expired", "unauthorized":
		return true
	}
	return false
}

// ParseCursor extracts a numeric cursor from a server-assigned event id.
// Non-numeric and empty ids report false and the caller falls back to its
// local sequence.
func ParseCursor(id string) (int64, bool) {
	if id == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
