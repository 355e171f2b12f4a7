// Package brokertest provides a mock OAuth 2.1 authorization server for
// tests: metadata discovery, dynamic client registration, authorization,
// and token exchange with PKCE enforcement.
package brokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockAuthServer is a test-only authorization server. Token validation uses
// plain comparisons and issued credentials are predictable; never model a
// production server on it.
type MockAuthServer struct {
	*httptest.Server
	t *testing.T

	supportsRegistration bool

	mu                sync.Mutex
	failTokenEndpoint bool
	issuedCodes       map[string]string // code -> client_id
	requestCount      int
	authRequestCount  int
	tokenRequestCount int
	registerRequests  []map[string]any
}

// NewMockAuthServer creates a mock authorization server with dynamic client
// registration enabled.
func NewMockAuthServer(t *testing.T) *MockAuthServer {
	t.Helper()

	mas := &MockAuthServer{
		t:                    t,
		supportsRegistration: true,
		issuedCodes:          make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", mas.handleMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", mas.handleMetadata)
	mux.HandleFunc("/authorize", mas.handleAuthorize)
	mux.HandleFunc("/token", mas.handleToken)
	mux.HandleFunc("/register", mas.handleRegister)

	mas.Server = httptest.NewServer(mux)
	return mas
}

func (mas *MockAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.mu.Unlock()

	metadata := map[string]any{
		"issuer":                           mas.URL,
		"authorization_endpoint":           mas.URL + "/authorize",
		"token_endpoint":                   mas.URL + "/token",
		"code_challenge_methods_supported": []string{"S256"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
	}
	if mas.supportsRegistration {
		metadata["registration_endpoint"] = mas.URL + "/register"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

func (mas *MockAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.authRequestCount++
	count := mas.authRequestCount
	mas.mu.Unlock()

	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	if clientID == "" || redirectURI == "" || query.Get("response_type") != "code" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if query.Get("code_challenge") == "" || query.Get("code_challenge_method") != "S256" {
		http.Error(w, "code_challenge_required", http.StatusBadRequest)
		return
	}

	code := fmt.Sprintf("AUTH_CODE_%d", count)
	mas.mu.Lock()
	mas.issuedCodes[code] = clientID
	mas.mu.Unlock()

	redirectURL, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}
	params := url.Values{}
	params.Set("code", code)
	if state := query.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirectURL.RawQuery = params.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

func (mas *MockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.tokenRequestCount++
	count := mas.tokenRequestCount
	fail := mas.failTokenEndpoint
	mas.mu.Unlock()

	if fail {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if r.Form.Get("grant_type") != "authorization_code" {
		http.Error(w, "unsupported_grant_type", http.StatusBadRequest)
		return
	}
	if r.Form.Get("code_verifier") == "" {
		http.Error(w, "code_verifier_required", http.StatusBadRequest)
		return
	}

	code := r.Form.Get("code")
	mas.mu.Lock()
	_, valid := mas.issuedCodes[code]
	delete(mas.issuedCodes, code)
	mas.mu.Unlock()
	if !valid {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("ACCESS_TOKEN_%d", count),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (mas *MockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.mu.Unlock()

	if !mas.supportsRegistration {
		http.Error(w, "not_supported", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	mas.registerRequests = append(mas.registerRequests, req)
	clientID := fmt.Sprintf("registered_client_%d", len(mas.registerRequests))
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"client_id": clientID})
}

// GetRequestCount returns the total number of requests received.
func (mas *MockAuthServer) GetRequestCount() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.requestCount
}

// GetRegisterRequests returns all registration request bodies received.
func (mas *MockAuthServer) GetRegisterRequests() []map[string]any {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]map[string]any{}, mas.registerRequests...)
}

// SetFailToken makes the token endpoint answer 500 for subsequent requests.
func (mas *MockAuthServer) SetFailToken(fail bool) {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	mas.failTokenEndpoint = fail
}

// ClientWithoutRedirect returns an HTTP client that doesn't follow
// redirects, so tests can inspect the authorization redirect directly.
func (mas *MockAuthServer) ClientWithoutRedirect() *http.Client {
	client := mas.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}
