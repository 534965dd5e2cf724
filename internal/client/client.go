// Package client is the endpoint layer: it assembles fingerprinted requests
// for the conversational search API and exposes streaming and collected
// consumption of answers.
package client

import (
	"net/url"

	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/auth"
	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stealth"
	"github.com/pv-udpv/perplexity-ai-v2/internal/transport"
)

// Client talks to the service through a fingerprinted session.
type Client struct {
	cfg     *config.Config
	baseURL *url.URL
	profile *stealth.FingerprintProfile
	builder *stealth.HeaderBuilder
	session transport.Session
	auth    *auth.Manager
	logger  *zap.Logger
}

// Options configures a Client.
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	// Session overrides the fingerprinted transport. Used by tests.
	Session transport.Session

	// Refresh is the out-of-band credential renewal source. Optional; when
	// absent, expired credentials are a terminal AuthError.
	Refresh auth.RefreshFunc
}

// New wires a client from configuration.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, &schemas.ConfigurationError{Field: "config"}
	}
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("client")

	baseURL, err := url.Parse(cfg.Network.BaseURL)
	if err != nil || baseURL.Host == "" {
		return nil, &schemas.ConfigurationError{Field: "network.base_url"}
	}

	profile, err := stealth.Profile(cfg.Stealth.Profile)
	if err != nil {
		return nil, err
	}

	identity := stealth.NewIdentityGenerator(cfg.Stealth.DeviceID)
	store := auth.NewStore(auth.Credentials{
		SessionToken:   cfg.Auth.SessionToken,
		ClearanceToken: cfg.Auth.ClearanceToken,
		CSRFToken:      cfg.Auth.CSRFToken,
		Bearer:         cfg.Auth.BearerToken,
	}, opts.Refresh, logger)
	manager := auth.NewManager(store, identity, logger)

	session := opts.Session
	if session == nil {
		session, err = transport.NewSession(transport.Options{
			Profile:          profile,
			Network:          cfg.Network,
			Logger:           logger,
			ResponseObserver: store.ObserveResponse,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		profile: profile,
		builder: stealth.NewHeaderBuilder(profile),
		session: session,
		auth:    manager,
		logger:  logger,
	}, nil
}

// Auth exposes the lifecycle manager, mainly for the CLI to report identity.
func (c *Client) Auth() *auth.Manager { return c.auth }

// Close releases transport resources.
func (c *Client) Close() {
	c.session.Close()
}

// endpoint resolves a path against the configured base URL.
func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}
