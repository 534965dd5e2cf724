// Package stream turns a sequence of fragile connection attempts into one
// logical event stream. It owns reconnection, backoff, stall detection and
// cursor-based deduplication; consumers see a single ordered channel of
// typed events that either ends after a done event or ends with a typed
// error describing how much was delivered.
package stream

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/sse"
	"github.com/pv-udpv/perplexity-ai-v2/internal/transport"
)

// ResumeInfo tells the connector how to open the next attempt. Resume is set
// only when the endpoint supports cursor resume and at least one event was
// delivered; the connector then sends Last-Event-ID with LastCursor.
type ResumeInfo struct {
	Attempt    int
	LastCursor int64
	Resume     bool
}

// Connector opens one connection attempt and returns the raw body chunks.
// The channel must close when the body ends. Implementations live in the
// endpoint layer, where request bodies and credentials are assembled.
type Connector func(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error)

// AuthRecoverFunc is invoked when an attempt fails with an authentication
// signal. A nil return means credentials were refreshed and the attempt may
// be repeated.
type AuthRecoverFunc func(ctx context.Context, cause error) error

var (
	errStalled  = errors.New("stream stalled: no bytes within the stall timeout")
	errEarlyEOF = errors.New("stream ended before a terminal event")
	// errServerEvent marks a server-signalled error event. It terminates the
	// stream without retry; the event itself is still delivered.
	errServerEvent = errors.New("server signalled an error event")
	// errAuthExpired marks a mid-stream status event announcing credential
	// expiry. It routes through the auth recovery hook like a 401.
	errAuthExpired = errors.New("server signalled credential expiry")
)

// states, for logging only.
const (
	stateConnecting   = "connecting"
	stateStreaming    = "streaming"
	stateDraining     = "draining"
	stateReconnecting = "reconnecting"
	stateTerminated   = "terminated"
)

// Stream is one logical event stream. Create with New, consume Events until
// it closes, then check Err.
type Stream struct {
	cfg       config.StreamConfig
	connect   Connector
	onAuth    AuthRecoverFunc
	logger    *zap.Logger
	events    chan schemas.StreamEvent
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	delivered int
}

// Option tweaks stream construction.
type Option func(*Stream)

// WithAuthRecovery installs the credential refresh hook.
func WithAuthRecovery(fn AuthRecoverFunc) Option {
	return func(s *Stream) { s.onAuth = fn }
}

// New starts a logical stream. The configuration's zero values get safe
// floors so a partially filled config cannot spin-loop.
func New(ctx context.Context, cfg config.StreamConfig, connect Connector, logger *zap.Logger, opts ...Option) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:     cfg,
		connect: connect,
		logger:  logger.Named("stream"),
		events:  make(chan schemas.StreamEvent),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run(runCtx)
	return s
}

// Events is the ordered, deduplicated event channel. It closes exactly once,
// on completion, terminal failure or cancellation.
func (s *Stream) Events() <-chan schemas.StreamEvent { return s.events }

// Err reports the terminal state. It is valid once Events has closed: nil
// after a done event, a StreamError otherwise.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Delivered reports how many events were handed to the consumer.
func (s *Stream) Delivered() int {
	<-s.done
	return s.delivered
}

// Cancel aborts the stream from any state.
func (s *Stream) Cancel() { s.cancel() }

// run drives the attempt loop until a terminal outcome.
func (s *Stream) run(ctx context.Context) {
	defer close(s.events)
	defer close(s.done)
	defer s.cancel()

	// lastCursor is the dedup watermark: -1 until the first delivery.
	lastCursor := int64(-1)

	for attempt := 1; ; attempt++ {
		resume := s.cfg.SupportsResume && lastCursor >= 0
		restarting := attempt > 1 && !resume && s.delivered > 0

		s.logger.Debug("state transition",
			zap.String("state", stateConnecting),
			zap.Int("attempt", attempt),
			zap.Bool("resume", resume),
			zap.Bool("restart", restarting))

		outcome, cursor := s.runAttempt(ctx, attempt, lastCursor, resume, restarting)
		lastCursor = cursor

		switch {
		case outcome == nil:
			s.logger.Debug("state transition", zap.String("state", stateTerminated))
			s.finish(nil, lastCursor)
			return
		case errors.Is(outcome, errServerEvent):
			s.finish(outcome, lastCursor)
			return
		case ctx.Err() != nil:
			s.finish(ctx.Err(), lastCursor)
			return
		}

		if s.onAuth != nil && isAuthSignal(outcome) {
			if err := s.onAuth(ctx, outcome); err != nil {
				s.finish(err, lastCursor)
				return
			}
			s.logger.Info("credentials refreshed after auth signal, retrying")
		} else if !retryable(outcome) {
			s.finish(outcome, lastCursor)
			return
		}

		if attempt >= s.cfg.MaxAttempts {
			s.logger.Warn("attempt budget exhausted", zap.Int("attempts", attempt), zap.Error(outcome))
			s.finish(outcome, lastCursor)
			return
		}

		delay := backoffDelay(attempt, s.cfg.BackoffMin, s.cfg.BackoffMax)
		s.logger.Info("state transition",
			zap.String("state", stateReconnecting),
			zap.Duration("backoff", delay),
			zap.Error(outcome))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.finish(ctx.Err(), lastCursor)
			return
		}
	}
}

// runAttempt executes one connection attempt. A nil outcome means the stream
// completed on a terminal done event; any other outcome is the drop or
// failure cause. The returned cursor is the updated dedup watermark.
func (s *Stream) runAttempt(ctx context.Context, attempt int, lastCursor int64, resume, restarting bool) (outcome error, cursor int64) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	ch, err := s.open(attemptCtx, ResumeInfo{Attempt: attempt, LastCursor: lastCursor, Resume: resume})
	if err != nil {
		return err, lastCursor
	}

	cursor = lastCursor
	if restarting {
		// The endpoint cannot replay from a cursor, so the reconnected query
		// restarts from scratch. Consumers drop accumulated output on this
		// notification. It is sent only once the new connection is up:
		// announcing a restart for an attempt that never connects would
		// discard partial output for nothing. The synthesized event carries
		// cursor 0 and the watermark resets to 0 with it, so the next
		// unnumbered event is assigned 1 and never shares the restart's slot.
		if !s.deliver(ctx, schemas.StreamEvent{
			Kind:    schemas.EventStatus,
			Payload: schemas.StatusRestart,
			Cursor:  0,
		}) {
			return ctx.Err(), cursor
		}
		cursor = 0
	}

	s.logger.Debug("state transition", zap.String("state", stateStreaming), zap.Int("attempt", attempt))

	parser := sse.NewParser()
	// localSeq assigns cursors to events the server did not number.
	localSeq := cursor

	stall := time.NewTimer(s.cfg.StallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err(), cursor

		case <-stall.C:
			return errStalled, cursor

		case chunk, open := <-ch:
			if !open {
				if err := parser.FlushPartial(); err != nil {
					return err, cursor
				}
				return errEarlyEOF, cursor
			}
			if chunk.Err != nil {
				return &schemas.ConnectError{Op: "read", Err: chunk.Err}, cursor
			}

			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(s.cfg.StallTimeout)

			for _, ev := range parser.Feed(chunk.Data) {
				kind, payload := sse.Classify(ev)

				evCursor, numbered := sse.ParseCursor(ev.ID)
				if !numbered {
					evCursor = localSeq + 1
				}
				if evCursor <= cursor {
					// Replayed event from before the drop.
					continue
				}
				cursor = evCursor
				localSeq = evCursor

				if !s.deliver(ctx, schemas.StreamEvent{Kind: kind, Payload: payload, Cursor: evCursor}) {
					return ctx.Err(), cursor
				}

				switch kind {
				case schemas.EventDone:
					s.logger.Debug("state transition", zap.String("state", stateDraining))
					return nil, cursor
				case schemas.EventError:
					return errServerEvent, cursor
				case schemas.EventStatus:
					if sse.IsAuthExpired(payload) {
						return errAuthExpired, cursor
					}
				}
			}
		}
	}
}

// open runs the connector under the attempt timeout. The timeout covers
// connection setup only; body lifetime is governed by stall detection.
func (s *Stream) open(ctx context.Context, info ResumeInfo) (<-chan transport.Chunk, error) {
	if s.cfg.AttemptTimeout <= 0 {
		return s.connect(ctx, info)
	}

	type result struct {
		ch  <-chan transport.Chunk
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ch, err := s.connect(ctx, info)
		resCh <- result{ch, err}
	}()

	timer := time.NewTimer(s.cfg.AttemptTimeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		return res.ch, res.err
	case <-timer.C:
		return nil, &schemas.ConnectError{Op: "connect", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver pushes one event to the consumer, honoring cancellation.
func (s *Stream) deliver(ctx context.Context, ev schemas.StreamEvent) bool {
	select {
	case s.events <- ev:
		s.delivered++
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal state. Failures are wrapped so callers learn
// how much of the answer arrived before the stream gave up.
func (s *Stream) finish(cause error, cursor int64) {
	if cause == nil {
		return
	}
	s.err = &schemas.StreamError{Err: cause, Delivered: s.delivered, Cursor: cursor}
	s.logger.Warn("stream terminated",
		zap.Int("delivered", s.delivered),
		zap.Int64("cursor", cursor),
		zap.Error(cause))
}

// retryable decides whether a drop is worth another attempt. Challenges and
// configuration problems never are; neither are client-error statuses.
func retryable(err error) bool {
	var challenge *schemas.ChallengeError
	if errors.As(err, &challenge) {
		return false
	}
	var cfgErr *schemas.ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	var statusErr *schemas.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var connErr *schemas.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var incomplete *schemas.IncompleteEventError
	if errors.As(err, &incomplete) {
		return true
	}
	return errors.Is(err, errStalled) || errors.Is(err, errEarlyEOF)
}

// isAuthSignal mirrors the auth package's classification without importing
// it, keeping this package free of credential concerns.
func isAuthSignal(err error) bool {
	if errors.Is(err, errAuthExpired) {
		return true
	}
	var statusErr *schemas.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == 401
}

// backoffDelay is bounded exponential backoff with jitter: the base doubles
// per attempt up to the cap, and the final delay lands uniformly in the
// upper half of the window so synchronized clients fan out.
func backoffDelay(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
