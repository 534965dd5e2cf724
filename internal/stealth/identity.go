package stealth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
)

// deviceIDPrefix matches the platform tag the mobile client reports.
const deviceIDPrefix = "ios:"

// IdentityGenerator owns the device identity presented across a session. The
// identity is stable until Rotate is called, so every request in a session
// reports the same device.
type IdentityGenerator struct {
	mu      sync.Mutex
	current schemas.DeviceIdentity
}

// NewIdentityGenerator creates a generator. A non-empty pinned id (from
// configuration) is used verbatim, otherwise a fresh identity is minted.
func NewIdentityGenerator(pinned string) *IdentityGenerator {
	g := &IdentityGenerator{}
	if pinned != "" {
		g.current = schemas.DeviceIdentity{ID: pinned, CreatedAt: time.Now().UTC()}
	} else {
		g.current = mintIdentity()
	}
	return g
}

// Current returns the active device identity.
func (g *IdentityGenerator) Current() schemas.DeviceIdentity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Rotate discards the active identity and returns a fresh one. Used when a
// device id has been burned by a challenge.
func (g *IdentityGenerator) Rotate() schemas.DeviceIdentity {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = mintIdentity()
	return g.current
}

func mintIdentity() schemas.DeviceIdentity {
	return schemas.DeviceIdentity{
		ID:        deviceIDPrefix + uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}
