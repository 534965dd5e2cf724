package stealth

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
)

// AcceptKind selects the Accept header for the request being built.
type AcceptKind string

const (
	// AcceptEventStream is used when opening an answer stream.
	AcceptEventStream AcceptKind = "text/event-stream"
	// AcceptJSON is used for plain request/response endpoints.
	AcceptJSON AcceptKind = "application/json"
)

// DynamicFields are the per-request values substituted into a profile's
// header template. DeviceID, Language and Timezone are required wherever the
// template references them; Bearer is optional.
type DynamicFields struct {
	DeviceID string
	Language string
	Timezone string
	Bearer   string
	Accept   AcceptKind
}

// HeaderBuilder renders a profile's header template against a set of dynamic
// fields. The same profile and fields always produce the same headers in the
// same order, except for the per-request trace identifiers.
type HeaderBuilder struct {
	profile *FingerprintProfile
}

// NewHeaderBuilder binds a builder to a catalog profile.
func NewHeaderBuilder(profile *FingerprintProfile) *HeaderBuilder {
	return &HeaderBuilder{profile: profile}
}

// Build resolves the template and returns the final ordered header list. A
// placeholder with no corresponding dynamic value is a fatal
// ConfigurationError, never a silently skipped header.
func (b *HeaderBuilder) Build(fields DynamicFields) ([]HeaderPair, error) {
	accept := fields.Accept
	if accept == "" {
		accept = AcceptJSON
	}

	traceID, spanID := newTraceIDs()
	resolved := map[string]string{
		"{accept}":         string(accept),
		"{language}":       fields.Language,
		"{timezone}":       fields.Timezone,
		"{device_id}":      fields.DeviceID,
		"{sentry_trace}":   traceID + "-" + spanID,
		"{sentry_baggage}": sentryBaggage(traceID),
	}

	headers := b.profile.Headers()
	for i, h := range headers {
		if !strings.HasPrefix(h.Value, "{") {
			continue
		}
		value, known := resolved[h.Value]
		if !known {
			return nil, &schemas.ConfigurationError{Field: h.Value}
		}
		if value == "" {
			return nil, &schemas.ConfigurationError{Field: placeholderField(h.Value)}
		}
		headers[i].Value = value
	}

	if fields.Bearer != "" {
		headers = append(headers, HeaderPair{"Authorization", "Bearer " + fields.Bearer})
	}
	return headers, nil
}

// placeholderField strips the braces so the error names the logical field.
func placeholderField(token string) string {
	return strings.Trim(token, "{}")
}

// newTraceIDs generates the 32-hex trace id and 16-hex span id the app
// attaches to every request.
func newTraceIDs() (traceID, spanID string) {
	id := uuid.New()
	traceID = hex.EncodeToString(id[:])
	span := uuid.New()
	spanID = hex.EncodeToString(span[:8])
	return traceID, spanID
}

// sentryBaggage mirrors the dynamic sampling context the app sends alongside
// sentry-trace.
func sentryBaggage(traceID string) string {
	return strings.Join([]string{
		"sentry-environment=production",
		"sentry-release=" + iosAppVersion,
		"sentry-trace_id=" + traceID,
	}, ",")
}
