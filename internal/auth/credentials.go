// Package auth owns credential material and its lifecycle. Credentials are
// immutable snapshots swapped atomically, so readers never observe a
// half-updated set, and refreshes are single-flight so a burst of expired
// requests produces exactly one upstream refresh.
package auth

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
)

// Cookie names the service reads credentials from.
const (
	CookieSessionToken = "__Secure-next-auth.session-token"
	CookieCSRFToken    = "next-auth.csrf-token"
	CookieClearance    = "cf_clearance"
)

// Credentials is one immutable snapshot of the secret material. A zero
// ExpiresAt means the expiry is unknown and the snapshot is used until the
// server signals otherwise.
type Credentials struct {
	SessionToken   string
	ClearanceToken string
	CSRFToken      string
	Bearer         string
	ExpiresAt      time.Time
}

// HasMaterial reports whether the snapshot carries anything usable.
func (c Credentials) HasMaterial() bool {
	return c.SessionToken != "" || c.Bearer != ""
}

// Expired reports whether a known expiry has passed.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Cookies renders the snapshot as the cookie set the service expects.
func (c Credentials) Cookies() []*http.Cookie {
	var cookies []*http.Cookie
	if c.SessionToken != "" {
		cookies = append(cookies, &http.Cookie{
			Name: CookieSessionToken, Value: c.SessionToken, Path: "/", Secure: true,
		})
	}
	if c.CSRFToken != "" {
		cookies = append(cookies, &http.Cookie{
			Name: CookieCSRFToken, Value: c.CSRFToken, Path: "/", Secure: true,
		})
	}
	if c.ClearanceToken != "" {
		cookies = append(cookies, &http.Cookie{
			Name: CookieClearance, Value: c.ClearanceToken, Path: "/", Secure: true,
		})
	}
	return cookies
}

// RefreshFunc exchanges a stale snapshot for a fresh one. Implementations
// talk to whatever out-of-band source holds renewable material.
type RefreshFunc func(ctx context.Context, stale Credentials) (Credentials, error)

// Store holds the active snapshot.
type Store struct {
	current atomic.Pointer[Credentials]
	group   singleflight.Group
	refresh RefreshFunc
	logger  *zap.Logger
}

// NewStore seeds a store. refresh may be nil when the deployment has no
// renewable source; Refresh then fails with an AuthError.
func NewStore(initial Credentials, refresh RefreshFunc, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		refresh: refresh,
		logger:  logger.Named("auth"),
	}
	s.current.Store(&initial)
	return s
}

// Current returns the active snapshot without blocking.
func (s *Store) Current() (Credentials, error) {
	cur := s.current.Load()
	if cur == nil || !cur.HasMaterial() {
		return Credentials{}, schemas.ErrUnauthenticated
	}
	return *cur, nil
}

// Refresh obtains a fresh snapshot. Concurrent callers share one underlying
// refresh and all receive its result, success or failure alike.
func (s *Store) Refresh(ctx context.Context) (Credentials, error) {
	result, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		if s.refresh == nil {
			return nil, &schemas.AuthError{Reason: "no refresh source configured"}
		}
		stale := Credentials{}
		if cur := s.current.Load(); cur != nil {
			stale = *cur
		}

		fresh, err := s.refresh(ctx, stale)
		if err != nil {
			return nil, &schemas.AuthError{Reason: "refresh failed", Err: err}
		}
		if !fresh.HasMaterial() {
			return nil, &schemas.AuthError{Reason: "refresh returned empty credentials"}
		}
		s.current.Store(&fresh)
		s.logger.Info("credentials refreshed")
		return fresh, nil
	})
	if err != nil {
		return Credentials{}, err
	}
	if shared {
		s.logger.Debug("refresh result shared with concurrent waiter")
	}
	return result.(Credentials), nil
}

// ObserveResponse harvests rotated cookies from a response. Servers renew
// session and clearance cookies opportunistically mid-session; missing a
// rotation invalidates the stored snapshot.
func (s *Store) ObserveResponse(header http.Header) {
	if len(header.Values("Set-Cookie")) == 0 {
		return
	}
	// Reuse the stdlib Set-Cookie parser.
	cookies := (&http.Response{Header: header}).Cookies()

	for {
		cur := s.current.Load()
		next := Credentials{}
		if cur != nil {
			next = *cur
		}

		changed := false
		for _, c := range cookies {
			switch c.Name {
			case CookieSessionToken:
				if c.Value != "" && c.Value != next.SessionToken {
					next.SessionToken = c.Value
					if !c.Expires.IsZero() {
						next.ExpiresAt = c.Expires
					}
					changed = true
				}
			case CookieCSRFToken:
				if c.Value != "" && c.Value != next.CSRFToken {
					next.CSRFToken = c.Value
					changed = true
				}
			case CookieClearance:
				if c.Value != "" && c.Value != next.ClearanceToken {
					next.ClearanceToken = c.Value
					changed = true
				}
			}
		}
		if !changed {
			return
		}
		if s.current.CompareAndSwap(cur, &next) {
			s.logger.Debug("harvested rotated credentials from response")
			return
		}
		// Lost a race with a concurrent swap; re-read and retry.
	}
}
