package broker

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInitiator(t *testing.T, store Store) *Initiator {
	t.Helper()
	return NewInitiator(store, http.DefaultClient, InitiatorConfig{
		RedirectURL: "http://localhost:8080/api/callback",
		ClientName:  testClientName,
		Scopes:      []string{"mcp:tools"},
		SessionTTL:  testSessionTTL,
	}, testLogger())
}

func TestInitiatorStart(t *testing.T) {
	mas := NewMockAuthServer(t)
	defer mas.Close()

	store := newTestStore(t)
	initiator := newTestInitiator(t, store)

	result, ferr := initiator.Start(context.Background(), mas.URL+"/mcp")
	require.Nil(t, ferr)
	require.NotEmpty(t, result.SessionID)

	authURL, err := url.Parse(result.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", authURL.Path)

	q := authURL.Query()
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://localhost:8080/api/callback", q.Get("redirect_uri"))

	sess, err := store.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, sess.State)
	assert.Equal(t, q.Get("state"), sess.CSRFToken)
	assert.NotEmpty(t, sess.CodeVerifier)
	assert.Equal(t, mas.URL+"/token", sess.TokenEndpoint)
	assert.WithinDuration(t, time.Now().Add(testSessionTTL), sess.ExpiresAt, 5*time.Second)
}

func TestInitiatorStartInvalidTargetSkipsNetwork(t *testing.T) {
	mas := NewMockAuthServer(t)
	defer mas.Close()

	store := newTestStore(t)
	initiator := newTestInitiator(t, store)

	_, ferr := initiator.Start(context.Background(), "http://not-localhost.example.com/mcp")
	require.NotNil(t, ferr)
	assert.Equal(t, CodeInvalidTarget, ferr.Code)
	assert.Zero(t, mas.GetRequestCount(), "invalid target must fail before any network call")
}

func TestInitiatorStartDiscoveryFailure(t *testing.T) {
	store := newTestStore(t)
	initiator := newTestInitiator(t, store)

	// Nothing is listening on this port.
	_, ferr := initiator.Start(context.Background(), "http://127.0.0.1:1/mcp")
	require.NotNil(t, ferr)
	assert.Equal(t, CodeMetadataDiscovery, ferr.Code)
}

func TestInitiatorStartUsesDynamicRegistration(t *testing.T) {
	mas := NewMockAuthServer(t)
	defer mas.Close()

	store := newTestStore(t)
	initiator := newTestInitiator(t, store)

	result, ferr := initiator.Start(context.Background(), mas.URL+"/mcp")
	require.Nil(t, ferr)

	require.Len(t, mas.GetRegisterRequests(), 1)
	sess, err := store.Get(result.SessionID)
	require.NoError(t, err)
	assert.Contains(t, sess.ClientID, "registered_client")
}

func TestInitiatorStartStaticClientSkipsRegistration(t *testing.T) {
	mas := NewMockAuthServer(t)
	defer mas.Close()

	store := newTestStore(t)
	initiator := NewInitiator(store, http.DefaultClient, InitiatorConfig{
		RedirectURL: "http://localhost:8080/api/callback",
		ClientName:  testClientName,
		ClientID:    "static-client",
		SessionTTL:  testSessionTTL,
	}, testLogger())

	result, ferr := initiator.Start(context.Background(), mas.URL+"/mcp")
	require.Nil(t, ferr)

	assert.Empty(t, mas.GetRegisterRequests())
	sess, err := store.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "static-client", sess.ClientID)
}

func TestInitiatorStartIndependentSessions(t *testing.T) {
	mas := NewMockAuthServer(t)
	defer mas.Close()

	store := newTestStore(t)
	initiator := newTestInitiator(t, store)

	first, ferr := initiator.Start(context.Background(), mas.URL+"/mcp")
	require.Nil(t, ferr)
	second, ferr := initiator.Start(context.Background(), mas.URL+"/mcp")
	require.Nil(t, ferr)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.AuthURL, second.AuthURL, "each flow must carry its own state token")

	// Completing the second flow must not disturb the first.
	_, err := store.ConsumeState(stateFromAuthURL(t, second.AuthURL))
	require.NoError(t, err)
	sess, err := store.Get(first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, sess.State)
}

func stateFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	return parsed.Query().Get("state")
}
