// Package config holds the broker's runtime configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config contains the complete runtime configuration for the broker.
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string

	// PublicURL is the externally reachable base URL of the broker; the
	// OAuth callback is served under it
	PublicURL string

	// AllowedOrigins are the CORS origins permitted to call the API
	AllowedOrigins []string

	// SessionTTL is how long a session stays valid from creation
	SessionTTL time.Duration

	// ClientName identifies the broker during Dynamic Client Registration
	ClientName string

	// ClientID is a pre-registered OAuth client identifier (optional - DCR
	// is used if not provided)
	ClientID string

	// ClientSecret is the OAuth client secret (optional for public clients)
	ClientSecret string

	// Scopes are the OAuth scopes to request
	Scopes []string

	// DiscoveryAttempts is the maximum number of tool listing attempts
	DiscoveryAttempts int

	// DiscoveryBaseDelay is the delay before the first retry; it doubles
	// per attempt
	DiscoveryBaseDelay time.Duration

	// Verbose enables debug-level logging
	Verbose bool
}

// Default returns a configuration suitable for local development.
// AUTHGATE_* environment variables override the built-in defaults;
// command-line flags override both.
func Default() *Config {
	return &Config{
		ListenAddr:         envString("AUTHGATE_LISTEN_ADDR", ":8080"),
		PublicURL:          envString("AUTHGATE_PUBLIC_URL", "http://localhost:8080"),
		AllowedOrigins:     []string{"*"},
		SessionTTL:         envDuration("AUTHGATE_SESSION_TTL", 15*time.Minute),
		ClientName:         envString("AUTHGATE_CLIENT_NAME", "MCP AuthGate"),
		ClientID:           os.Getenv("AUTHGATE_CLIENT_ID"),
		ClientSecret:       os.Getenv("AUTHGATE_CLIENT_SECRET"),
		Scopes:             []string{"mcp:tools", "mcp:resources"},
		DiscoveryAttempts:  3,
		DiscoveryBaseDelay: 500 * time.Millisecond,
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// RedirectURL is the callback URL registered with authorization servers.
func (c *Config) RedirectURL() string {
	return c.PublicURL + "/api/callback"
}

// Validate checks the configuration. HTTP public URLs are only allowed for
// localhost/loopback hosts.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("public URL is required")
	}

	parsedURL, err := url.Parse(c.PublicURL)
	if err != nil {
		return fmt.Errorf("invalid public URL: %w", err)
	}

	if parsedURL.Scheme == "http" {
		hostname := parsedURL.Hostname()
		// Note: Hostname() strips brackets from IPv6 addresses, so [::1] becomes ::1
		if hostname != "localhost" && hostname != "127.0.0.1" && hostname != "::1" {
			return fmt.Errorf("HTTP public URLs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	} else if parsedURL.Scheme != "https" {
		return fmt.Errorf("public URL scheme must be http (localhost only) or https, got: %s", parsedURL.Scheme)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.DiscoveryAttempts <= 0 {
		return fmt.Errorf("discovery attempts must be positive")
	}
	if c.ClientSecret != "" && c.ClientID == "" {
		return fmt.Errorf("client secret requires a client ID")
	}

	if len(c.Scopes) == 0 {
		c.Scopes = []string{"mcp:tools", "mcp:resources"}
	}

	return nil
}
