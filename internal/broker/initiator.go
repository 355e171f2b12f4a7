package broker

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// InitiatorConfig carries the client identity the broker presents to
// authorization servers.
type InitiatorConfig struct {
	// RedirectURL is the broker's public callback URL
	RedirectURL string

	// ClientName identifies the broker in Dynamic Client Registration
	ClientName string

	// ClientID, when set, skips Dynamic Client Registration
	ClientID string

	// ClientSecret accompanies a pre-registered ClientID (optional)
	ClientSecret string

	// Scopes requested during authorization
	Scopes []string

	// SessionTTL bounds how long a pending flow stays valid
	SessionTTL time.Duration
}

// Initiator starts OAuth flows for MCP targets: it validates the target,
// discovers the authorization server, obtains client credentials, and
// creates a pending session bound to a fresh CSRF state token.
type Initiator struct {
	store      Store
	httpClient *http.Client
	cfg        InitiatorConfig
	logger     zerolog.Logger
}

// NewInitiator creates an Initiator backed by the given session store.
func NewInitiator(store Store, httpClient *http.Client, cfg InitiatorConfig, logger zerolog.Logger) *Initiator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Initiator{
		store:      store,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger.With().Str("component", "initiator").Logger(),
	}
}

// StartResult is returned on successful flow initiation.
type StartResult struct {
	SessionID string
	AuthURL   string
}

// Start begins a new OAuth flow for targetURL. Validation failures return
// a FlowError with code InvalidTargetError and no session is created;
// discovery and registration failures map to MetadataDiscoveryError.
// Each call creates an independent session, so concurrent flows for the
// same target never interfere.
func (in *Initiator) Start(ctx context.Context, targetURL string) (*StartResult, *FlowError) {
	if err := ValidateTargetURL(targetURL); err != nil {
		return nil, &FlowError{Code: CodeInvalidTarget, Message: err.Error()}
	}

	metadata, err := DiscoverServerMetadata(ctx, in.httpClient, targetURL, in.logger)
	if err != nil {
		in.logger.Warn().Err(err).Str("target", targetURL).Msg("metadata discovery failed")
		return nil, &FlowError{Code: CodeMetadataDiscovery, Message: err.Error()}
	}

	clientID := in.cfg.ClientID
	clientSecret := in.cfg.ClientSecret
	if clientID == "" {
		if metadata.RegistrationEndpoint == "" {
			return nil, &FlowError{Code: CodeMetadataDiscovery, Message: "authorization server does not support dynamic client registration and no client_id is configured"}
		}
		clientID, clientSecret, err = RegisterClient(ctx, in.httpClient,
			metadata.RegistrationEndpoint, in.cfg.ClientName, in.cfg.RedirectURL, strings.Join(in.cfg.Scopes, " "))
		if err != nil {
			in.logger.Warn().Err(err).Str("target", targetURL).Msg("dynamic client registration failed")
			return nil, &FlowError{Code: CodeMetadataDiscovery, Message: "dynamic client registration failed: " + err.Error()}
		}
		in.logger.Debug().Str("target", targetURL).Msg("registered dynamic client")
	}

	state, err := GenerateState()
	if err != nil {
		return nil, &FlowError{Code: CodeMetadataDiscovery, Message: "failed to generate state token: " + err.Error()}
	}
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, &FlowError{Code: CodeMetadataDiscovery, Message: "failed to generate PKCE parameters: " + err.Error()}
	}

	now := time.Now()
	session := &Session{
		ID:            uuid.NewString(),
		TargetURL:     targetURL,
		State:         StatePending,
		CSRFToken:     state,
		CodeVerifier:  verifier,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		AuthEndpoint:  metadata.AuthorizationEndpoint,
		TokenEndpoint: metadata.TokenEndpoint,
		CreatedAt:     now,
		ExpiresAt:     now.Add(in.cfg.SessionTTL),
	}

	if err := in.store.Create(session); err != nil {
		return nil, &FlowError{Code: CodeMetadataDiscovery, Message: "failed to create session: " + err.Error()}
	}

	oauthCfg := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		},
		RedirectURL: in.cfg.RedirectURL,
		Scopes:      in.cfg.Scopes,
	}

	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkceMethodS256),
	)

	in.logger.Info().
		Str("session_id", session.ID).
		Str("target", targetURL).
		Msg("authorization flow started")

	return &StartResult{SessionID: session.ID, AuthURL: authURL}, nil
}
