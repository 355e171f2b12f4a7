package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/ceyewan/mcp-authgate/internal/broker/brokertest"
)

const (
	testSessionTTL = 15 * time.Minute
	testClientName = "authgate-test"
)

// MockAuthServer is re-exported so tests in this package read naturally.
type MockAuthServer = brokertest.MockAuthServer

func NewMockAuthServer(t *testing.T) *MockAuthServer {
	t.Helper()
	return brokertest.NewMockAuthServer(t)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// newTestStore creates a MemoryStore whose sweep goroutine is stopped with
// the test.
func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(testLogger())
	t.Cleanup(store.Stop)
	return store
}

// newPendingSession builds a pending session the way the initiator would.
func newPendingSession(id, state string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		TargetURL:     "https://mcp.example.com/mcp",
		State:         StatePending,
		CSRFToken:     state,
		CodeVerifier:  "verifier-" + id,
		ClientID:      "client-" + id,
		AuthEndpoint:  "https://as.example.com/authorize",
		TokenEndpoint: "https://as.example.com/token",
		CreatedAt:     now,
		ExpiresAt:     now.Add(testSessionTTL),
	}
}

// fakeLister is a canned ToolLister for discovery tests.
type fakeLister struct {
	initErr error
	listErr error
	tools   []mcp.Tool

	mu          sync.Mutex
	initCalls   int
	listCalls   int
	closeCalled bool
}

func (f *fakeLister) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	f.initCalls++
	f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{}, nil
}

func (f *fakeLister) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeLister) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalled = true
	return nil
}

// fakeDialer returns a Dialer yielding the provided outcomes in order; the
// last entry repeats. Retries run sequentially, so the counter needs no
// locking.
func fakeDialer(outcomes ...func() (ToolLister, error)) (Dialer, *int) {
	calls := new(int)
	return func(ctx context.Context, targetURL, accessToken string) (ToolLister, error) {
		i := *calls
		if i >= len(outcomes) {
			i = len(outcomes) - 1
		}
		*calls++
		return outcomes[i]()
	}, calls
}
