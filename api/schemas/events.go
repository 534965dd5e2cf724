package schemas

import "time"

// -- Stream Event Models --
// These types represent the decoded events flowing out of an answer stream.
// They are shared between the SSE decoder, the reconnecting stream and the
// endpoint layer, so they live in api/schemas rather than an internal package.

// EventKind discriminates the typed events a stream can yield.
type EventKind string

const (
	// EventTextDelta carries an incremental piece of the generated answer.
	EventTextDelta EventKind = "text-delta"
	// EventStatus carries progress/bookkeeping updates (search started,
	// stream restarted, token expired, ...).
	EventStatus EventKind = "status"
	// EventSources carries the web results backing the answer.
	EventSources EventKind = "sources"
	// EventDone marks normal completion of the logical stream.
	EventDone EventKind = "done"
	// EventError carries a server-signalled failure.
	EventError EventKind = "error"
)

// StreamEvent is a single typed event decoded from the wire.
//
// Cursor is monotonically non-decreasing within one logical stream. It is
// taken from the server-assigned SSE id when present and numeric, otherwise
// from a local sequence counter. Consumers use it to deduplicate events
// across reconnects: an event with Cursor <= the last delivered cursor must
// never be re-delivered.
type StreamEvent struct {
	Kind EventKind `json:"kind"`
	// Payload is the raw decoded payload. For EventTextDelta it is the text
	// fragment itself; for the other kinds it is the raw JSON payload of the
	// wire event.
	Payload string `json:"payload"`
	Cursor  int64  `json:"cursor"`
}

// StatusRestart is the payload of the status event emitted when a dropped
// stream could not be resumed by cursor and the logical query was restarted
// from scratch. Callers that accumulate deltas must reset on seeing it.
// Cursor numbering restarts with it: the restart event itself carries
// cursor 0 and every later event in the new transcript segment is above 0.
const StatusRestart = `{"status":"restarted"}`

// -- Answer Models --

// WebResult is one source document backing an answer.
type WebResult struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Answer is the assembled result of a completed ask stream.
type Answer struct {
	Text        string      `json:"text"`
	WebResults  []WebResult `json:"web_results,omitempty"`
	ThreadUUID  string      `json:"thread_uuid,omitempty"`
	BackendUUID string      `json:"backend_uuid,omitempty"`
	ContextUUID string      `json:"context_uuid,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Model       string      `json:"model,omitempty"`
	// Delivered is the number of stream events consumed to build this
	// answer, including the terminal one.
	Delivered int `json:"delivered"`
}

// -- Ask Request Models --

// AskMode selects the response mode of the ask endpoint.
type AskMode string

const (
	ModeConcise  AskMode = "concise"
	ModeCopilot  AskMode = "copilot"
	ModeResearch AskMode = "research"
)

// AskSource selects a search corpus.
type AskSource string

const (
	SourceWeb     AskSource = "web"
	SourceScholar AskSource = "scholar"
	SourceSocial  AskSource = "social"
)

// AskOptions carries the optional knobs of one ask request.
type AskOptions struct {
	Mode            AskMode
	Model           string
	Sources         []AskSource
	Incognito       bool
	LastBackendUUID string
}

// DeviceIdentity is a stable per-session device identifier in the format the
// impersonated mobile app reports ("ios:<uuid4>").
type DeviceIdentity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
