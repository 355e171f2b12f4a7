package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServerMetadata represents OAuth 2.0 Authorization Server Metadata as
// defined in RFC 8414 (also satisfied by OIDC discovery documents).
type ServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL for the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL for the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for Dynamic Client Registration (optional)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// CodeChallengeMethods lists supported PKCE code challenge methods
	CodeChallengeMethods []string `json:"code_challenge_methods_supported,omitempty"`

	// ScopesSupported lists supported OAuth scopes (optional)
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// GrantTypesSupported lists supported OAuth grant types
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`
}

const (
	// Maximum size for metadata documents (1MB)
	maxMetadataSize = 1024 * 1024

	// HTTP timeout for metadata requests
	metadataRequestTimeout = 10 * time.Second

	// User agent string for outbound broker requests
	userAgent = "mcp-authgate/1.0"

	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// isLocalhost checks if the given host is localhost or a loopback address
func isLocalhost(host string) bool {
	return host == "localhost" ||
		strings.HasPrefix(host, "localhost:") ||
		host == "127.0.0.1" ||
		strings.HasPrefix(host, "127.0.0.1:") ||
		host == "[::1]" ||
		strings.HasPrefix(host, "[::1]:")
}

// ValidateTargetURL checks that a requested MCP target URL is well formed
// before any network call is made. HTTPS is required; HTTP is allowed only
// for localhost.
func ValidateTargetURL(target string) error {
	if target == "" {
		return fmt.Errorf("target URL cannot be empty")
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	if !parsed.IsAbs() {
		return fmt.Errorf("target URL must be absolute")
	}

	if parsed.Scheme == schemeHTTP {
		if !isLocalhost(parsed.Host) {
			return fmt.Errorf("target URL must use https scheme (http only allowed for localhost, got: %s)", parsed.Host)
		}
	} else if parsed.Scheme != schemeHTTPS {
		return fmt.Errorf("target URL must use http or https scheme, got: %s", parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("target URL missing host")
	}

	return nil
}

// buildDiscoveryEndpoints constructs the well-known metadata URIs probed for
// a target, in priority order: OAuth 2.0 Authorization Server Metadata
// (RFC 8414) at the target's origin, then OIDC Discovery.
func buildDiscoveryEndpoints(target string) ([]string, error) {
	if err := ValidateTargetURL(target); err != nil {
		return nil, err
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	return []string{
		baseURL + "/.well-known/oauth-authorization-server",
		baseURL + "/.well-known/openid-configuration",
	}, nil
}

// DiscoverServerMetadata probes the target's well-known metadata endpoints
// and returns the first valid document. Each probe carries a bounded timeout
// and nothing is retried: unreachable or malformed metadata is a
// user-correctable input problem.
func DiscoverServerMetadata(ctx context.Context, httpClient *http.Client, target string, logger zerolog.Logger) (*ServerMetadata, error) {
	endpoints, err := buildDiscoveryEndpoints(target)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, endpoint := range endpoints {
		logger.Debug().
			Str("endpoint", endpoint).
			Int("attempt", i+1).
			Int("total", len(endpoints)).
			Msg("probing metadata endpoint")

		metadata, err := fetchServerMetadata(ctx, httpClient, endpoint)
		if err != nil {
			lastErr = err
			continue
		}

		if err := validateServerMetadata(metadata); err != nil {
			lastErr = err
			continue
		}

		logger.Debug().Str("endpoint", endpoint).Msg("discovered authorization server metadata")
		return metadata, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no valid metadata found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no metadata found at any discovery endpoint")
}

// fetchServerMetadata fetches and parses a metadata document from the
// specified URL.
func fetchServerMetadata(ctx context.Context, httpClient *http.Client, metadataURL string) (*ServerMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return nil, fmt.Errorf("unexpected Content-Type: %s (expected application/json)", contentType)
	}

	limitedReader := io.LimitReader(resp.Body, maxMetadataSize)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	if int64(len(bodyBytes)) >= maxMetadataSize {
		return nil, fmt.Errorf("metadata response exceeds maximum size of %d bytes", maxMetadataSize)
	}

	var metadata ServerMetadata
	if err := json.Unmarshal(bodyBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}

	return &metadata, nil
}

// validateServerMetadata checks required fields per RFC 8414 Section 3 and
// that every advertised endpoint is an absolute HTTP(S) URL. HTTPS is
// required except for localhost.
func validateServerMetadata(metadata *ServerMetadata) error {
	if metadata.Issuer == "" {
		return fmt.Errorf("missing required field: issuer")
	}
	if metadata.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing required field: authorization_endpoint")
	}
	if metadata.TokenEndpoint == "" {
		return fmt.Errorf("missing required field: token_endpoint")
	}

	endpoints := map[string]string{
		"issuer":                 metadata.Issuer,
		"authorization_endpoint": metadata.AuthorizationEndpoint,
		"token_endpoint":         metadata.TokenEndpoint,
	}
	if metadata.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = metadata.RegistrationEndpoint
	}

	for name, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("%s must be absolute URL: %s", name, endpoint)
		}
		if parsed.Scheme == schemeHTTP {
			if !isLocalhost(parsed.Host) {
				return fmt.Errorf("%s must use https scheme (http only allowed for localhost): %s", name, endpoint)
			}
		} else if parsed.Scheme != schemeHTTPS {
			return fmt.Errorf("%s must use http or https scheme: %s", name, endpoint)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s missing host: %s", name, endpoint)
		}
	}

	return nil
}
