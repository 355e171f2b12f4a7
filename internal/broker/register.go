package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// clientRegistrationRequest is the RFC 7591 Dynamic Client Registration
// request body sent to the authorization server.
type clientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name"`
	Scope                   string   `json:"scope,omitempty"`
}

// clientRegistrationResponse is the subset of the RFC 7591 registration
// response the broker needs.
type clientRegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient performs Dynamic Client Registration against the
// authorization server's registration endpoint. The broker registers as a
// public client (no token endpoint auth) since PKCE protects the code
// exchange.
func RegisterClient(ctx context.Context, httpClient *http.Client, registrationEndpoint, clientName, redirectURL, scope string) (clientID, clientSecret string, err error) {
	reqBody := clientRegistrationRequest{
		RedirectURIs:            []string{redirectURL},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              clientName,
		Scope:                   scope,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("registration request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return "", "", fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}

	var regResp clientRegistrationResponse
	if err := json.Unmarshal(bodyBytes, &regResp); err != nil {
		return "", "", fmt.Errorf("failed to parse registration response: %w", err)
	}

	if regResp.ClientID == "" {
		return "", "", fmt.Errorf("registration response missing client_id")
	}

	return regResp.ClientID, regResp.ClientSecret, nil
}
