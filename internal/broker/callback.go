package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// HTTP timeout for the authorization code exchange
const exchangeTimeout = 15 * time.Second

// CallbackService completes OAuth flows when the authorization server
// redirects back to the broker. The state token is consumed atomically, so
// a replayed or duplicated redirect finds no matching pending session and
// is rejected without side effects.
type CallbackService struct {
	store      Store
	httpClient *http.Client
	discoverer *Discoverer
	cfg        InitiatorConfig
	logger     zerolog.Logger
}

// NewCallbackService creates a CallbackService. The discoverer is launched
// in the background after each successful token exchange.
func NewCallbackService(store Store, httpClient *http.Client, discoverer *Discoverer, cfg InitiatorConfig, logger zerolog.Logger) *CallbackService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CallbackService{
		store:      store,
		httpClient: httpClient,
		discoverer: discoverer,
		cfg:        cfg,
		logger:     logger.With().Str("component", "callback").Logger(),
	}
}

// HandleCallback consumes the state token, exchanges the authorization code
// for an access token, and kicks off tool discovery. It returns the session
// ID on success. ErrStateMismatch means the state token matched no pending
// session; any later failure is committed to the session as a terminal
// error state.
func (c *CallbackService) HandleCallback(ctx context.Context, state, code string) (string, error) {
	if state == "" {
		return "", ErrStateMismatch
	}
	if code == "" {
		return "", fmt.Errorf("missing authorization code")
	}

	session, err := c.store.ConsumeState(state)
	if err != nil {
		c.logger.Warn().Msg("callback with unknown or already-consumed state token")
		return "", err
	}

	oauthCfg := oauth2.Config{
		ClientID:     session.ClientID,
		ClientSecret: session.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  session.AuthEndpoint,
			TokenURL: session.TokenEndpoint,
		},
		RedirectURL: c.cfg.RedirectURL,
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, c.httpClient)

	token, err := oauthCfg.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", session.CodeVerifier),
	)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", session.ID).Msg("token exchange failed")
		c.fail(session.ID, CodeTokenExchange, "token exchange failed: "+err.Error())
		return session.ID, fmt.Errorf("token exchange failed: %w", err)
	}
	if token.AccessToken == "" {
		c.fail(session.ID, CodeTokenExchange, "token response contained no access token")
		return session.ID, fmt.Errorf("token response contained no access token")
	}

	if err := c.store.SetAccessToken(session.ID, token.AccessToken); err != nil {
		return session.ID, err
	}

	c.logger.Info().Str("session_id", session.ID).Msg("token exchange complete")

	// Tool discovery runs in the background with its own context so the
	// provider redirect can be answered immediately.
	go c.discoverer.Discover(context.Background(), session.ID, session.TargetURL, token.AccessToken)

	return session.ID, nil
}

// HandleProviderError records an error redirect from the authorization
// server (e.g. the user denied consent). The state token is consumed so the
// session cannot be resumed afterwards.
func (c *CallbackService) HandleProviderError(state, errCode, errDescription string) error {
	session, err := c.store.ConsumeState(state)
	if err != nil {
		return err
	}

	msg := "authorization server returned error: " + errCode
	if errDescription != "" {
		msg += " (" + errDescription + ")"
	}
	c.fail(session.ID, CodeTokenExchange, msg)
	return nil
}

func (c *CallbackService) fail(sessionID, code, message string) {
	if err := c.store.Fail(sessionID, &FlowError{Code: code, Message: message}); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to record session error")
	}
}
