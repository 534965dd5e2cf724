package client

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stealth"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stream"
	"github.com/pv-udpv/perplexity-ai-v2/internal/transport"
)

const askPath = "/rest/sse/perplexity_ask"

// AskStream submits a query and returns the live event stream. The stream
// owns reconnection; callers consume Events until it closes and then check
// Err.
func (c *Client) AskStream(ctx context.Context, query string, opts schemas.AskOptions) (*stream.Stream, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &schemas.ConfigurationError{Field: "query"}
	}

	connector := func(ctx context.Context, info stream.ResumeInfo) (<-chan transport.Chunk, error) {
		creds, err := c.auth.EnsureFresh(ctx)
		if err != nil {
			return nil, err
		}
		c.session.SetCookies(c.baseURL, creds.Cookies())

		headers, err := c.builder.Build(stealth.DynamicFields{
			DeviceID: c.auth.Device().ID,
			Language: c.cfg.Stealth.Language,
			Timezone: c.cfg.Stealth.Timezone,
			Bearer:   creds.Bearer,
			Accept:   stealth.AcceptEventStream,
		})
		if err != nil {
			return nil, err
		}
		headers = append(headers, stealth.HeaderPair{Name: "Content-Type", Value: "application/json"})
		if info.Resume {
			headers = append(headers, stealth.HeaderPair{
				Name: "Last-Event-ID", Value: strconv.FormatInt(info.LastCursor, 10),
			})
		}

		body, err := buildAskBody(query, opts, c.cfg.Stealth.Language, c.cfg.Stealth.Timezone)
		if err != nil {
			return nil, err
		}

		handle, err := c.session.Open(ctx, http.MethodPost, c.endpoint(askPath), headers, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		return handle.Chunks(ctx), nil
	}

	c.logger.Info("opening ask stream",
		zap.String("mode", string(effectiveMode(opts))),
		zap.Bool("follow_up", opts.LastBackendUUID != ""))

	return stream.New(ctx, c.cfg.Stream, connector, c.logger,
		stream.WithAuthRecovery(func(ctx context.Context, cause error) error {
			_, err := c.auth.HandleAuthSignal(ctx, cause)
			return err
		})), nil
}

// Ask submits a query and blocks until the answer is complete. On stream
// failure the partially assembled answer is returned alongside the error, so
// delivered output is never discarded.
func (c *Client) Ask(ctx context.Context, query string, opts schemas.AskOptions) (*schemas.Answer, error) {
	s, err := c.AskStream(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	answer := &schemas.Answer{Mode: string(effectiveMode(opts))}
	var text strings.Builder

	for ev := range s.Events() {
		answer.Delivered++
		switch ev.Kind {
		case schemas.EventTextDelta:
			text.WriteString(ev.Payload)
		case schemas.EventStatus:
			if ev.Payload == schemas.StatusRestart {
				// The query restarted from scratch; drop accumulated output.
				text.Reset()
				answer.WebResults = nil
			}
		case schemas.EventSources:
			answer.WebResults = decodeWebResults(ev.Payload)
		case schemas.EventDone:
			applyFinal(answer, ev.Payload)
		}
	}

	if answer.Text == "" {
		answer.Text = text.String()
	}
	if err := s.Err(); err != nil {
		return answer, err
	}
	return answer, nil
}

func effectiveMode(opts schemas.AskOptions) schemas.AskMode {
	if opts.Mode == "" {
		return schemas.ModeConcise
	}
	return opts.Mode
}

// buildAskBody assembles the request JSON. sjson keeps the construction
// order-stable without a dedicated request struct for a payload this fluid.
func buildAskBody(query string, opts schemas.AskOptions, language, timezone string) ([]byte, error) {
	body := ""
	var err error

	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		body, err = sjson.Set(body, path, value)
	}

	set("query_str", query)
	set("params.mode", string(effectiveMode(opts)))
	set("params.language", language)
	set("params.timezone", timezone)
	set("params.is_incognito", opts.Incognito)
	set("params.use_schematized_api", true)

	sources := opts.Sources
	if len(sources) == 0 {
		sources = []schemas.AskSource{schemas.SourceWeb}
	}
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = string(s)
	}
	set("params.sources", names)

	if opts.Model != "" {
		set("params.model_preference", opts.Model)
	}
	if opts.LastBackendUUID != "" {
		set("params.last_backend_uuid", opts.LastBackendUUID)
	}

	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

// applyFinal folds the terminal payload into the answer. The answer text
// arrives double-encoded: the payload's "text" field is itself a JSON
// document holding the assembled answer and its sources.
func applyFinal(answer *schemas.Answer, payload string) {
	root := gjson.Parse(payload)

	answer.ThreadUUID = root.Get("thread_url_slug").String()
	answer.BackendUUID = root.Get("backend_uuid").String()
	answer.ContextUUID = root.Get("context_uuid").String()
	if model := root.Get("display_model"); model.Exists() {
		answer.Model = model.String()
	}

	inner := root.Get("text")
	if !inner.Exists() {
		return
	}
	final := gjson.Parse(inner.String())
	if !final.IsObject() {
		// Not double-encoded after all; take the text verbatim.
		answer.Text = inner.String()
		return
	}

	if ans := final.Get("answer"); ans.Exists() {
		answer.Text = ans.String()
	}
	if results := final.Get("web_results"); results.IsArray() {
		answer.WebResults = decodeWebResults(final.Raw)
	}
}

// decodeWebResults extracts the source list from a payload carrying
// "web_results".
func decodeWebResults(payload string) []schemas.WebResult {
	var out []schemas.WebResult
	gjson.Get(payload, "web_results").ForEach(func(_, item gjson.Result) bool {
		out = append(out, schemas.WebResult{
			Name:    item.Get("name").String(),
			URL:     item.Get("url").String(),
			Snippet: item.Get("snippet").String(),
		})
		return true
	})
	return out
}
