package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stealth"
)

// Manager ties the credential store to the device identity presented on the
// wire. Streams call EnsureFresh before opening and HandleAuthSignal when
// the server reports expiry mid-stream.
type Manager struct {
	store    *Store
	identity *stealth.IdentityGenerator
	logger   *zap.Logger
}

// NewManager wires a lifecycle manager.
func NewManager(store *Store, identity *stealth.IdentityGenerator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		identity: identity,
		logger:   logger.Named("auth"),
	}
}

// Store exposes the underlying credential store, mainly so the transport's
// response observer can be pointed at it.
func (m *Manager) Store() *Store { return m.store }

// Device returns the active device identity.
func (m *Manager) Device() schemas.DeviceIdentity {
	return m.identity.Current()
}

// RotateDevice mints a fresh device identity. Used after a challenge burns
// the current one.
func (m *Manager) RotateDevice() schemas.DeviceIdentity {
	id := m.identity.Rotate()
	m.logger.Info("device identity rotated", zap.String("device_id", id.ID))
	return id
}

// EnsureFresh returns credentials that are usable right now, refreshing when
// the snapshot is absent or past a known expiry.
func (m *Manager) EnsureFresh(ctx context.Context) (Credentials, error) {
	cur, err := m.store.Current()
	if err != nil {
		if errors.Is(err, schemas.ErrUnauthenticated) {
			return m.store.Refresh(ctx)
		}
		return Credentials{}, err
	}
	if cur.Expired(time.Now()) {
		m.logger.Info("credentials past expiry, refreshing")
		return m.store.Refresh(ctx)
	}
	return cur, nil
}

// HandleAuthSignal reacts to a server-side expiry signal with exactly one
// refresh; concurrent signals collapse into the same refresh via the store's
// single-flight group.
func (m *Manager) HandleAuthSignal(ctx context.Context, cause error) (Credentials, error) {
	m.logger.Warn("authentication signal from server", zap.Error(cause))
	return m.store.Refresh(ctx)
}

// IsAuthSignal reports whether an error is the server telling us our
// credentials no longer work.
func IsAuthSignal(err error) bool {
	var statusErr *schemas.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized
	}
	return false
}
