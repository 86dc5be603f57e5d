package agentex

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/simulab/internal/config"
)

// defaultPlatformURL is where a local AgentEx stack listens in development.
const defaultPlatformURL = "http://localhost:5003"

// Header names understood by the AgentEx platform.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderAccountID = "x-selected-account-id"
)

// Target is a resolved agent URL plus the headers to send with it.
type Target struct {
	URL     string
	Headers http.Header
}

// Resolver maps agent identifiers to URLs and auth headers.
type Resolver struct {
	cfg *config.Config
}

// NewResolver creates a resolver over immutable configuration.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// IsProd reports whether calls go through the forwarding platform.
func (r *Resolver) IsProd() bool {
	return !r.cfg.IsDevelopment()
}

// IsConfigured reports whether prod credentials are available.
func (r *Resolver) IsConfigured() bool {
	return r.cfg.AgentExConfigured()
}

// Known reports whether the agent identifier is configured.
func (r *Resolver) Known(agent string) bool {
	_, ok := r.cfg.Agent(agent)
	return ok
}

// AgentName returns the platform name for an agent identifier.
func (r *Resolver) AgentName(agent string) string {
	if a, ok := r.cfg.Agent(agent); ok {
		return a.Name
	}
	return agent
}

// Resolve produces the target for an agent endpoint. It never fails; callers check
// IsConfigured before making prod calls.
func (r *Resolver) Resolve(agent, endpoint string) Target {
	endpoint = normalizePath(endpoint)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	if !r.IsProd() {
		a, _ := r.cfg.Agent(agent)
		return Target{
			URL:     fmt.Sprintf("http://localhost:%d%s", a.Port, endpoint),
			Headers: headers,
		}
	}

	r.setAuth(headers)
	return Target{
		URL:     r.cfg.AgentEx.BaseURL + "/agents/forward/name/" + r.AgentName(agent) + endpoint,
		Headers: headers,
	}
}

// PlatformURL returns an absolute URL for a platform API path.
func (r *Resolver) PlatformURL(path string) string {
	base := r.cfg.AgentEx.BaseURL
	if base == "" && !r.IsProd() {
		base = defaultPlatformURL
	}
	return base + normalizePath(path)
}

// PlatformHeaders returns the auth headers for platform calls. Credentials are
// attached whenever they are configured, in either mode.
func (r *Resolver) PlatformHeaders() http.Header {
	headers := http.Header{}
	r.setAuth(headers)
	return headers
}

// PlatformReady reports whether platform calls can be attempted.
func (r *Resolver) PlatformReady() bool {
	return !r.IsProd() || r.IsConfigured()
}

func (r *Resolver) setAuth(h http.Header) {
	if r.cfg.AgentEx.APIKey != "" {
		h.Set(HeaderAPIKey, r.cfg.AgentEx.APIKey)
	}
	if r.cfg.AgentEx.AccountID != "" {
		h.Set(HeaderAccountID, r.cfg.AgentEx.AccountID)
	}
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
