package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

const (
	// Maximum connection/listing attempts per session
	defaultDiscoveryAttempts = 3

	// Delay before the second attempt; doubles per attempt
	defaultDiscoveryBaseDelay = 500 * time.Millisecond

	// Per-attempt timeout covering connect, handshake, and tools/list
	listToolsTimeout = 10 * time.Second
)

// ToolLister is the slice of the MCP client surface tool discovery needs.
// *client.Client satisfies it.
type ToolLister interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	Close() error
}

// Dialer opens a connected MCP session against targetURL carrying the given
// bearer token.
type Dialer func(ctx context.Context, targetURL, accessToken string) (ToolLister, error)

// StreamableHTTPDialer connects over MCP streamable HTTP transport with the
// access token attached as an Authorization header.
func StreamableHTTPDialer(ctx context.Context, targetURL, accessToken string) (ToolLister, error) {
	mcpClient, err := client.NewStreamableHttpClient(targetURL,
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + accessToken,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}
	return mcpClient, nil
}

// Discoverer lists the tools an authorized MCP target exposes and commits
// the outcome to the session. Transient connection failures are retried
// with doubling delays; protocol-level failures fail fast.
type Discoverer struct {
	store     Store
	dial      Dialer
	attempts  int
	baseDelay time.Duration
	logger    zerolog.Logger
}

// NewDiscoverer creates a Discoverer. A nil dialer defaults to the
// streamable HTTP transport; attempts and baseDelay fall back to defaults
// when non-positive.
func NewDiscoverer(store Store, dial Dialer, attempts int, baseDelay time.Duration, logger zerolog.Logger) *Discoverer {
	if dial == nil {
		dial = StreamableHTTPDialer
	}
	if attempts <= 0 {
		attempts = defaultDiscoveryAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultDiscoveryBaseDelay
	}
	return &Discoverer{
		store:     store,
		dial:      dial,
		attempts:  attempts,
		baseDelay: baseDelay,
		logger:    logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover runs tool discovery for a session that completed its token
// exchange, transitioning it to success with the tool list or to a terminal
// ToolDiscoveryError. The access token never appears in the recorded error.
func (d *Discoverer) Discover(ctx context.Context, sessionID, targetURL, accessToken string) {
	tools, err := d.listTools(ctx, sessionID, targetURL, accessToken)
	if err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("tool discovery failed")
		// The recorded message carries the failure category only; raw
		// upstream error text stays in the server log.
		ferr := &FlowError{Code: CodeToolDiscovery, Message: sanitizeDiscoveryMessage(err)}
		if failErr := d.store.Fail(sessionID, ferr); failErr != nil {
			d.logger.Error().Err(failErr).Str("session_id", sessionID).Msg("failed to record discovery error")
		}
		return
	}

	if err := d.store.Succeed(sessionID, tools); err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to commit discovered tools")
		return
	}

	d.logger.Info().
		Str("session_id", sessionID).
		Int("tool_count", len(tools)).
		Msg("tool discovery complete")
}

func (d *Discoverer) listTools(ctx context.Context, sessionID, targetURL, accessToken string) ([]Tool, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			delay := d.baseDelay << (attempt - 2)
			d.logger.Debug().
				Str("session_id", sessionID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying tool discovery")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tools, err := d.listToolsOnce(ctx, targetURL, accessToken)
		if err == nil {
			return tools, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", d.attempts, lastErr)
}

func (d *Discoverer) listToolsOnce(ctx context.Context, targetURL, accessToken string) ([]Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()

	lister, err := d.dial(ctx, targetURL, accessToken)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Close() }()

	initReq := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "mcp-authgate",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	if _, err := lister.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize failed: %w", err)
	}

	result, err := lister.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input schema for tool %s: %w", t.Name, err)
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return tools, nil
}

func sanitizeDiscoveryMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "tool discovery was canceled before completing"
	case isTransient(err):
		return "could not reach the MCP target to list its tools"
	default:
		return "the MCP target rejected the tool listing request"
	}
}

// isTransient reports whether a discovery failure is worth retrying:
// timeouts and connection-level resets are, protocol errors are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "transport is closing") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "unexpected eof")
}
