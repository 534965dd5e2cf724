package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/transport"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		MaxAttempts:    4,
		BackoffMin:     time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		StallTimeout:   time.Second,
		AttemptTimeout: time.Second,
	}
}

// chunkChannel serves the given wire fragments and closes.
func chunkChannel(fragments ...string) <-chan transport.Chunk {
	ch := make(chan transport.Chunk, len(fragments))
	for _, f := range fragments {
		ch <- transport.Chunk{Data: []byte(f)}
	}
	close(ch)
	return ch
}

// collect drains a stream fully.
func collect(s *Stream) ([]schemas.StreamEvent, error) {
	var events []schemas.StreamEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events, s.Err()
}

func sseEvent(id int, payload string) string {
	return fmt.Sprintf("id: %d\ndata: %s\n\n", id, payload)
}

func TestStreamCleanCompletion(t *testing.T) {
	var connects atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		connects.Add(1)
		return chunkChannel(
			sseEvent(1, `{"step_type":"SEARCH_WEB"}`),
			sseEvent(2, `{"text":"Hello "}`),
			sseEvent(3, `{"text":"world"}`),
			sseEvent(4, `{"step_type":"FINAL","text":"Hello world"}`),
		), nil
	}

	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t))
	events, err := collect(s)

	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.EqualValues(t, 1, connects.Load())

	assert.Equal(t, schemas.EventStatus, events[0].Kind)
	assert.Equal(t, schemas.EventTextDelta, events[1].Kind)
	assert.Equal(t, "Hello ", events[1].Payload)
	assert.Equal(t, schemas.EventDone, events[3].Kind)
	assert.EqualValues(t, 4, events[3].Cursor)
	assert.Equal(t, 4, s.Delivered())
}

func TestStreamResumeAfterDrop(t *testing.T) {
	cfg := testStreamConfig()
	cfg.SupportsResume = true

	var connects atomic.Int32
	var resumeInfo ResumeInfo
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		switch connects.Add(1) {
		case 1:
			// Events 1..5, then the connection dies mid-event.
			return chunkChannel(
				sseEvent(1, `{"text":"a"}`),
				sseEvent(2, `{"text":"b"}`),
				sseEvent(3, `{"text":"c"}`),
				sseEvent(4, `{"text":"d"}`),
				sseEvent(5, `{"text":"e"}`),
				"id: 6\ndata: {\"tex", // truncated
			), nil
		default:
			resumeInfo = info
			// The server replays 4 and 5 before new data; dedup must drop them.
			return chunkChannel(
				sseEvent(4, `{"text":"d"}`),
				sseEvent(5, `{"text":"e"}`),
				sseEvent(6, `{"text":"f"}`),
				sseEvent(7, `{"step_type":"FINAL"}`),
			), nil
		}
	}

	s := New(context.Background(), cfg, connector, zaptest.NewLogger(t))
	events, err := collect(s)

	require.NoError(t, err)
	assert.EqualValues(t, 2, connects.Load())
	assert.True(t, resumeInfo.Resume)
	assert.EqualValues(t, 5, resumeInfo.LastCursor)

	// 5 from the first attempt plus 6 and 7; no duplicates, no restart event.
	var cursors []int64
	for _, ev := range events {
		assert.NotEqual(t, schemas.StatusRestart, ev.Payload)
		cursors = append(cursors, ev.Cursor)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, cursors)
}

func TestStreamFullRestartWhenResumeUnsupported(t *testing.T) {
	cfg := testStreamConfig()
	cfg.SupportsResume = false

	var connects atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		switch connects.Add(1) {
		case 1:
			assert.False(t, info.Resume)
			return chunkChannel(
				sseEvent(1, `{"text":"partial"}`),
				"data: {\"trunc", // dies mid-event
			), nil
		default:
			assert.False(t, info.Resume, "resume must never be requested when unsupported")
			return chunkChannel(
				sseEvent(1, `{"text":"full"}`),
				sseEvent(2, `{"step_type":"FINAL"}`),
			), nil
		}
	}

	s := New(context.Background(), cfg, connector, zaptest.NewLogger(t))
	events, err := collect(s)

	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, "partial", events[0].Payload)
	assert.Equal(t, schemas.EventStatus, events[1].Kind)
	assert.Equal(t, schemas.StatusRestart, events[1].Payload, "consumers must be told to reset")
	assert.Equal(t, "full", events[2].Payload, "replayed events are re-delivered after a restart")
	assert.Equal(t, schemas.EventDone, events[3].Kind)

	// Numbering restarts with the new transcript segment: the restart marker
	// takes cursor 0 and the server ids count up from it.
	assert.Equal(t, []int64{1, 0, 1, 2}, []int64{
		events[0].Cursor, events[1].Cursor, events[2].Cursor, events[3].Cursor,
	})
}

// TestStreamRestartCursorWithUnnumberedEvents pins the cursor assignment when
// the server does not number its events: the restart marker owns cursor 0
// and the locally sequenced events after it start at 1, so no two events of
// the new segment share a cursor.
func TestStreamRestartCursorWithUnnumberedEvents(t *testing.T) {
	cfg := testStreamConfig()
	cfg.SupportsResume = false

	var connects atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		switch connects.Add(1) {
		case 1:
			return chunkChannel(
				"data: {\"text\":\"partial\"}\n\n",
				"data: {\"trunc", // dies mid-event
			), nil
		default:
			return chunkChannel(
				"data: {\"text\":\"full\"}\n\n",
				"data: {\"step_type\":\"FINAL\"}\n\n",
			), nil
		}
	}

	s := New(context.Background(), cfg, connector, zaptest.NewLogger(t))
	events, err := collect(s)

	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, schemas.StatusRestart, events[1].Payload)
	assert.EqualValues(t, 0, events[1].Cursor)
	assert.EqualValues(t, 1, events[2].Cursor,
		"the first unnumbered event after a restart must not reuse the restart's cursor")
	assert.EqualValues(t, 2, events[3].Cursor)
}

func TestStreamChallengeIsNeverRetried(t *testing.T) {
	var connects atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		connects.Add(1)
		return nil, &schemas.ChallengeError{StatusCode: 403, Marker: "cf-mitigated"}
	}

	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t))
	events, err := collect(s)

	assert.Empty(t, events)
	assert.EqualValues(t, 1, connects.Load(), "a challenge burns the session, retrying it is pointless")

	var streamErr *schemas.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorAs(t, err, new(*schemas.ChallengeError))
	assert.Equal(t, 0, streamErr.Delivered)
}

func TestStreamRetriesConnectFailures(t *testing.T) {
	var connects atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		if connects.Add(1) < 3 {
			return nil, &schemas.ConnectError{Op: "dial", Err: errors.New("connection refused")}
		}
		return chunkChannel(sseEvent(1, `{"step_type":"FINAL"}`)), nil
	}

	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t))
	events, err := collect(s)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 3, connects.Load())
}

func TestStreamAttemptBudget(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxAttempts = 3

	var connects atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		connects.Add(1)
		return nil, &schemas.ConnectError{Op: "dial", Err: errors.New("refused")}
	}

	s := New(context.Background(), cfg, connector, zaptest.NewLogger(t))
	_, err := collect(s)

	assert.EqualValues(t, 3, connects.Load())
	var streamErr *schemas.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorAs(t, err, new(*schemas.ConnectError))
}

func TestStreamStallDetection(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxAttempts = 1
	cfg.StallTimeout = 30 * time.Millisecond

	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		// A channel that never delivers and never closes: a wedged connection.
		return make(chan transport.Chunk), nil
	}

	s := New(context.Background(), cfg, connector, zaptest.NewLogger(t))
	_, err := collect(s)

	var streamErr *schemas.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, errStalled)
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		ch := make(chan transport.Chunk, 1)
		ch <- transport.Chunk{Data: []byte(sseEvent(1, `{"text":"x"}`))}
		// Leave the channel open so the stream keeps waiting.
		return ch, nil
	}

	s := New(ctx, testStreamConfig(), connector, zaptest.NewLogger(t))

	ev, open := <-s.Events()
	require.True(t, open)
	assert.EqualValues(t, 1, ev.Cursor)

	cancel()

	for range s.Events() {
		// drain anything in flight
	}
	err := s.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamServerErrorEvent(t *testing.T) {
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		return chunkChannel(
			sseEvent(1, `{"text":"some"}`),
			sseEvent(2, `{"error_code":"rate_limited"}`),
		), nil
	}

	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t))
	events, err := collect(s)

	require.Len(t, events, 2)
	assert.Equal(t, schemas.EventError, events[1].Kind)

	var streamErr *schemas.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 2, streamErr.Delivered, "partial delivery must be reported")
	assert.ErrorIs(t, err, errServerEvent)
}

func TestStreamAuthRecovery(t *testing.T) {
	var connects, refreshes atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		if connects.Add(1) == 1 {
			return nil, &schemas.HTTPStatusError{StatusCode: 401, Status: "401 Unauthorized"}
		}
		return chunkChannel(sseEvent(1, `{"step_type":"FINAL"}`)), nil
	}

	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t),
		WithAuthRecovery(func(ctx context.Context, cause error) error {
			refreshes.Add(1)
			return nil
		}))
	events, err := collect(s)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 1, refreshes.Load())
	assert.EqualValues(t, 2, connects.Load())
}

func TestStreamExpiryStatusTriggersRefresh(t *testing.T) {
	var connects, refreshes atomic.Int32
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		if connects.Add(1) == 1 {
			return chunkChannel(
				sseEvent(1, `{"text":"a"}`),
				sseEvent(2, `{"status":"token_expired"}`),
			), nil
		}
		return chunkChannel(
			sseEvent(1, `{"text":"b"}`),
			sseEvent(2, `{"step_type":"FINAL"}`),
		), nil
	}

	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t),
		WithAuthRecovery(func(ctx context.Context, cause error) error {
			refreshes.Add(1)
			return nil
		}))
	events, err := collect(s)

	require.NoError(t, err)
	assert.EqualValues(t, 1, refreshes.Load())
	assert.EqualValues(t, 2, connects.Load())
	// a, expiry status, restart, b, done.
	assert.Len(t, events, 5)
	assert.Equal(t, schemas.StatusRestart, events[2].Payload)
}

func TestStreamAuthRecoveryFailure(t *testing.T) {
	connector := func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
		return nil, &schemas.HTTPStatusError{StatusCode: 401, Status: "401 Unauthorized"}
	}

	authErr := &schemas.AuthError{Reason: "refresh failed"}
	s := New(context.Background(), testStreamConfig(), connector, zaptest.NewLogger(t),
		WithAuthRecovery(func(ctx context.Context, cause error) error { return authErr }))
	_, err := collect(s)

	require.Error(t, err)
	assert.ErrorAs(t, err, new(*schemas.AuthError))
}

func TestBackoffDelay(t *testing.T) {
	min := 100 * time.Millisecond
	max := time.Second

	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 20; i++ {
			d := backoffDelay(attempt, min, max)
			assert.GreaterOrEqual(t, d, min/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		}
	}

	// The window grows with the attempt number.
	assert.GreaterOrEqual(t, backoffDelay(8, min, max), max/2)
}
