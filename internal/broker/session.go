package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of an authorization session.
type State string

const (
	// StatePending means the session was created and the user has not yet
	// completed authorization at the provider.
	StatePending State = "pending"

	// StateExchanging means the callback was validated and the code exchange
	// (and subsequent tool discovery) is in flight.
	StateExchanging State = "exchanging"

	// StateSuccess is terminal: tools were retrieved from the target.
	StateSuccess State = "success"

	// StateError is terminal: the flow failed after the callback was accepted.
	StateError State = "error"
)

// Terminal reports whether the state can never change again.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Error codes surfaced to API clients.
const (
	CodeInvalidTarget     = "InvalidTargetError"
	CodeMetadataDiscovery = "MetadataDiscoveryError"
	CodeStateMismatch     = "StateMismatchError"
	CodeTokenExchange     = "TokenExchangeError"
	CodeToolDiscovery     = "ToolDiscoveryError"
	CodeExpiredSession    = "ExpiredSessionError"
)

// FlowError is a structured, client-safe error recorded on a session or
// returned synchronously from flow initiation. Message never contains raw
// upstream response text.
type FlowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Sentinel errors for store lookups.
var (
	// ErrStateMismatch is returned when a callback carries a state token that
	// matches no live session, including replayed tokens already consumed.
	ErrStateMismatch = errors.New("state token unknown or already consumed")

	// ErrSessionExpired is returned for unknown session IDs and for sessions
	// past their TTL. The two cases are deliberately indistinguishable.
	ErrSessionExpired = errors.New("session unknown or expired")
)

// Tool describes a single tool exposed by the MCP target.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Session is the record tracked for one authorization flow. Fields are only
// mutated through Store commits; callers outside the store operate on copies.
type Session struct {
	ID        string
	TargetURL string
	State     State

	// CSRFToken is the OAuth state parameter. Cleared on first consumption.
	CSRFToken string

	// CodeVerifier is the PKCE verifier. Server-side only, never serialized.
	CodeVerifier string

	// Client credentials and endpoints captured at initiation so callback
	// processing needs no re-discovery.
	ClientID      string
	ClientSecret  string
	AuthEndpoint  string
	TokenEndpoint string

	// AccessToken is set once the code exchange succeeds. Never exposed
	// through snapshots or logs.
	AccessToken string

	Tools []Tool
	Err   *FlowError

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExpiredAt reports whether the session is past its TTL at the given instant.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// clone returns a deep copy safe to use outside the store lock.
func (s *Session) clone() *Session {
	cp := *s
	if s.Tools != nil {
		cp.Tools = make([]Tool, len(s.Tools))
		copy(cp.Tools, s.Tools)
	}
	if s.Err != nil {
		e := *s.Err
		cp.Err = &e
	}
	return &cp
}

// Snapshot is the immutable view returned to polling clients. Tools is only
// populated for success, Err only for error.
type Snapshot struct {
	State State      `json:"state"`
	Tools []Tool     `json:"tools,omitempty"`
	Err   *FlowError `json:"error,omitempty"`
}
