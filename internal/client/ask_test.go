package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stealth"
	"github.com/pv-udpv/perplexity-ai-v2/internal/transport"
)

// fakeSession records requests and serves scripted SSE bodies.
type fakeSession struct {
	opens   atomic.Int32
	lastReq struct {
		method  string
		url     string
		headers []stealth.HeaderPair
		body    string
	}
	respond func(attempt int) (string, error)
	cookies []*http.Cookie
}

func (f *fakeSession) Open(ctx context.Context, method, rawURL string, headers []stealth.HeaderPair, body io.Reader) (*transport.ResponseHandle, error) {
	attempt := int(f.opens.Add(1))
	f.lastReq.method = method
	f.lastReq.url = rawURL
	f.lastReq.headers = headers
	if body != nil {
		raw, _ := io.ReadAll(body)
		f.lastReq.body = string(raw)
	}

	payload, err := f.respond(attempt)
	if err != nil {
		return nil, err
	}
	return transport.NewResponseHandle(200,
		http.Header{"Content-Type": []string{"text/event-stream"}},
		io.NopCloser(strings.NewReader(payload))), nil
}

func (f *fakeSession) SetCookies(u *url.URL, cookies []*http.Cookie) { f.cookies = cookies }
func (f *fakeSession) Close()                                        {}

func testConfig() *config.Config {
	return &config.Config{
		Network: config.NetworkConfig{BaseURL: "https://www.perplexity.ai"},
		Stealth: config.StealthConfig{
			Profile:  stealth.ProfileIOSApp,
			Language: "en-US",
			Timezone: "America/New_York",
		},
		Stream: config.StreamConfig{MaxAttempts: 2, BackoffMin: 1, BackoffMax: 1},
		Auth:   config.AuthConfig{SessionToken: "sess", ClearanceToken: "clr"},
	}
}

func newTestClient(t *testing.T, fake *fakeSession) *Client {
	t.Helper()
	c, err := New(Options{
		Config:  testConfig(),
		Logger:  zaptest.NewLogger(t),
		Session: fake,
	})
	require.NoError(t, err)
	return c
}

// finalEvent builds the double-encoded terminal payload the server emits.
func finalEvent(answer string) string {
	inner := `{"answer":"` + answer + `","web_results":[{"name":"Example","url":"https://example.com","snippet":"snip"}]}`
	return `id: 9` + "\n" +
		`data: {"step_type":"FINAL","backend_uuid":"be-1","context_uuid":"ctx-1","text":` + encodeJSONString(inner) + `}` + "\n\n"
}

func encodeJSONString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func TestAskCollectsAnswer(t *testing.T) {
	fake := &fakeSession{respond: func(attempt int) (string, error) {
		return "id: 1\ndata: {\"step_type\":\"SEARCH_WEB\"}\n\n" +
			"id: 2\ndata: {\"text\":\"The answer \"}\n\n" +
			"id: 3\ndata: {\"text\":\"is 42.\"}\n\n" +
			finalEvent("The answer is 42."), nil
	}}
	c := newTestClient(t, fake)

	answer, err := c.Ask(context.Background(), "what is the answer", schemas.AskOptions{})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 42.", answer.Text)
	assert.Equal(t, "be-1", answer.BackendUUID)
	assert.Equal(t, "ctx-1", answer.ContextUUID)
	require.Len(t, answer.WebResults, 1)
	assert.Equal(t, "https://example.com", answer.WebResults[0].URL)
	assert.Equal(t, 4, answer.Delivered)
	assert.Equal(t, "concise", answer.Mode)
}

func TestAskRequestShape(t *testing.T) {
	fake := &fakeSession{respond: func(attempt int) (string, error) {
		return finalEvent("ok"), nil
	}}
	c := newTestClient(t, fake)

	_, err := c.Ask(context.Background(), "query text", schemas.AskOptions{
		Mode:            schemas.ModeCopilot,
		Model:           "claude-3.7",
		Sources:         []schemas.AskSource{schemas.SourceScholar},
		Incognito:       true,
		LastBackendUUID: "prev-uuid",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, fake.lastReq.method)
	assert.Equal(t, "https://www.perplexity.ai/rest/sse/perplexity_ask", fake.lastReq.url)

	body := fake.lastReq.body
	assert.Equal(t, "query text", gjson.Get(body, "query_str").String())
	assert.Equal(t, "copilot", gjson.Get(body, "params.mode").String())
	assert.Equal(t, "claude-3.7", gjson.Get(body, "params.model_preference").String())
	assert.Equal(t, "scholar", gjson.Get(body, "params.sources.0").String())
	assert.True(t, gjson.Get(body, "params.is_incognito").Bool())
	assert.Equal(t, "prev-uuid", gjson.Get(body, "params.last_backend_uuid").String())
	assert.Equal(t, "en-US", gjson.Get(body, "params.language").String())

	// Fingerprint headers ride along, with the streaming accept type.
	byName := map[string]string{}
	for _, h := range fake.lastReq.headers {
		byName[h.Name] = h.Value
	}
	assert.Equal(t, "text/event-stream", byName["Accept"])
	assert.Equal(t, "application/json", byName["Content-Type"])
	assert.Equal(t, "Perplexity-iOS", byName["X-Client-Name"])
	assert.True(t, strings.HasPrefix(byName["X-Device-ID"], "ios:"))

	// Credentials are seeded as cookies before the request.
	names := map[string]bool{}
	for _, c := range fake.cookies {
		names[c.Name] = true
	}
	assert.True(t, names["__Secure-next-auth.session-token"])
	assert.True(t, names["cf_clearance"])
}

func TestAskStreamDeliversDeltas(t *testing.T) {
	fake := &fakeSession{respond: func(attempt int) (string, error) {
		return "id: 1\ndata: {\"text\":\"a\"}\n\n" +
			"id: 2\ndata: {\"text\":\"b\"}\n\n" +
			finalEvent("ab"), nil
	}}
	c := newTestClient(t, fake)

	s, err := c.AskStream(context.Background(), "q", schemas.AskOptions{})
	require.NoError(t, err)

	var kinds []schemas.EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []schemas.EventKind{
		schemas.EventTextDelta, schemas.EventTextDelta, schemas.EventDone,
	}, kinds)
}

func TestAskReconnectRestartsQuery(t *testing.T) {
	fake := &fakeSession{respond: func(attempt int) (string, error) {
		if attempt == 1 {
			// Truncated stream: dies mid-event after one delta.
			return "id: 1\ndata: {\"text\":\"partial\"}\n\ndata: {\"tru", nil
		}
		return "id: 1\ndata: {\"text\":\"complete\"}\n\n" + finalEvent("complete"), nil
	}}
	c := newTestClient(t, fake)

	answer, err := c.Ask(context.Background(), "q", schemas.AskOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, fake.opens.Load())
	assert.Equal(t, "complete", answer.Text, "restart must discard the partial transcript")

	// Without confirmed resume support, no resume header is sent.
	for _, h := range fake.lastReq.headers {
		assert.NotEqual(t, "Last-Event-ID", h.Name)
	}
}

func TestAskStreamResumeHeader(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.SupportsResume = true

	fake := &fakeSession{respond: func(attempt int) (string, error) {
		if attempt == 1 {
			return "id: 1\ndata: {\"text\":\"a\"}\n\ndata: {\"tru", nil
		}
		return "id: 2\ndata: {\"text\":\"b\"}\n\n" + finalEvent("ab"), nil
	}}

	c, err := New(Options{Config: cfg, Logger: zaptest.NewLogger(t), Session: fake})
	require.NoError(t, err)

	answer, err := c.Ask(context.Background(), "q", schemas.AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ab", answer.Text)

	found := false
	for _, h := range fake.lastReq.headers {
		if h.Name == "Last-Event-ID" {
			found = true
			assert.Equal(t, "1", h.Value)
		}
	}
	assert.True(t, found, "resume attempts must carry the cursor")
}

func TestAskPartialDeliveryOnFailure(t *testing.T) {
	fake := &fakeSession{respond: func(attempt int) (string, error) {
		if attempt == 1 {
			return "id: 1\ndata: {\"text\":\"partial \"}\n\ndata: {\"tru", nil
		}
		return "", &schemas.ChallengeError{StatusCode: 403, Marker: "cf-mitigated"}
	}}
	c := newTestClient(t, fake)

	answer, err := c.Ask(context.Background(), "q", schemas.AskOptions{})

	var streamErr *schemas.StreamError
	require.ErrorAs(t, err, &streamErr)
	require.NotNil(t, answer, "partial output must survive the failure")
	assert.Contains(t, answer.Text, "partial")
	assert.Equal(t, streamErr.Delivered, answer.Delivered)
}

func TestAskValidation(t *testing.T) {
	c := newTestClient(t, &fakeSession{respond: func(int) (string, error) { return "", nil }})

	_, err := c.AskStream(context.Background(), "   ", schemas.AskOptions{})
	var cfgErr *schemas.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "query", cfgErr.Field)
}

func TestNewClientValidation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(Options{})
		assert.ErrorAs(t, err, new(*schemas.ConfigurationError))
	})

	t.Run("bad base url", func(t *testing.T) {
		cfg := testConfig()
		cfg.Network.BaseURL = "://broken"
		_, err := New(Options{Config: cfg, Session: &fakeSession{}})
		assert.ErrorAs(t, err, new(*schemas.ConfigurationError))
	})

	t.Run("unknown profile", func(t *testing.T) {
		cfg := testConfig()
		cfg.Stealth.Profile = "netscape"
		_, err := New(Options{Config: cfg, Session: &fakeSession{}})
		assert.ErrorAs(t, err, new(*schemas.ConfigurationError))
	})
}
