package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store persists authorization sessions. Implementations must serialize
// mutations per session and must never return a partially written record.
type Store interface {
	// Create persists a new session. The session ID must be unused.
	Create(sess *Session) error

	// Get returns a copy of the session, or ErrSessionExpired if it is
	// unknown or past its TTL.
	Get(id string) (*Session, error)

	// Snapshot returns the polling view of the session, or ErrSessionExpired.
	Snapshot(id string) (Snapshot, error)

	// ConsumeState atomically finds the pending session whose CSRF token
	// equals state, clears the token and transitions the session to
	// exchanging. Returns a copy of the session as it was committed.
	// Any other outcome (unknown token, already consumed, expired session)
	// is ErrStateMismatch and mutates nothing.
	ConsumeState(state string) (*Session, error)

	// SetAccessToken records the exchanged token on a session in the
	// exchanging state.
	SetAccessToken(id, accessToken string) error

	// Succeed commits the tool listing and the exchanging -> success
	// transition in one step.
	Succeed(id string, tools []Tool) error

	// Fail commits a terminal error. No-op guarded: a session already in a
	// terminal state is never overwritten.
	Fail(id string, ferr *FlowError) error
}

// defaultSweepInterval is how often the in-memory store evicts expired
// sessions in the background. Expiry is also checked lazily on every access,
// so the sweep only bounds memory growth.
const defaultSweepInterval = time.Minute

// MemoryStore is a thread-safe in-memory Store. Suitable for a
// single-instance deployment; the orchestration services only depend on the
// Store interface, so a persistent backing store can be substituted without
// touching them.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byState  map[string]string // CSRF token -> session ID

	logger    zerolog.Logger
	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
// Call Stop to terminate the sweep goroutine.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	ms := &MemoryStore{
		sessions:  make(map[string]*Session),
		byState:   make(map[string]string),
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	go ms.sweepLoop()
	return ms
}

// Stop terminates the background sweep goroutine.
func (ms *MemoryStore) Stop() {
	ms.stopOnce.Do(func() { close(ms.stopSweep) })
}

func (ms *MemoryStore) Create(sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if sess.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.sessions[sess.ID]; exists {
		return fmt.Errorf("session %q already exists", sess.ID)
	}

	cp := sess.clone()
	ms.sessions[cp.ID] = cp
	if cp.CSRFToken != "" {
		ms.byState[cp.CSRFToken] = cp.ID
	}
	return nil
}

func (ms *MemoryStore) Get(id string) (*Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sess, err := ms.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

func (ms *MemoryStore) Snapshot(id string) (Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sess, err := ms.liveLocked(id)
	if err != nil {
		return Snapshot{}, err
	}
	cp := sess.clone()
	return Snapshot{State: cp.State, Tools: cp.Tools, Err: cp.Err}, nil
}

func (ms *MemoryStore) ConsumeState(state string) (*Session, error) {
	if state == "" {
		return nil, ErrStateMismatch
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	id, ok := ms.byState[state]
	if !ok {
		return nil, ErrStateMismatch
	}

	sess, err := ms.liveLocked(id)
	if err != nil {
		// The session expired out from under its token.
		delete(ms.byState, state)
		return nil, ErrStateMismatch
	}

	if sess.State != StatePending || sess.CSRFToken != state {
		return nil, ErrStateMismatch
	}

	// Check-and-clear: the token can never validate a second callback.
	delete(ms.byState, state)
	sess.CSRFToken = ""
	sess.State = StateExchanging

	return sess.clone(), nil
}

func (ms *MemoryStore) SetAccessToken(id, accessToken string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sess, err := ms.liveLocked(id)
	if err != nil {
		return err
	}
	if sess.State != StateExchanging {
		return fmt.Errorf("session %q is %s, cannot store token", id, sess.State)
	}
	sess.AccessToken = accessToken
	return nil
}

func (ms *MemoryStore) Succeed(id string, tools []Tool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sess, err := ms.liveLocked(id)
	if err != nil {
		return err
	}
	if sess.State != StateExchanging {
		return fmt.Errorf("session %q is %s, cannot transition to success", id, sess.State)
	}
	if sess.AccessToken == "" {
		return fmt.Errorf("session %q has no access token, cannot transition to success", id)
	}

	sess.Tools = make([]Tool, len(tools))
	copy(sess.Tools, tools)
	sess.State = StateSuccess
	return nil
}

func (ms *MemoryStore) Fail(id string, ferr *FlowError) error {
	if ferr == nil || ferr.Code == "" || ferr.Message == "" {
		return fmt.Errorf("terminal error for session %q must carry code and message", id)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	sess, err := ms.liveLocked(id)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return fmt.Errorf("session %q is already terminal (%s)", id, sess.State)
	}

	if sess.CSRFToken != "" {
		delete(ms.byState, sess.CSRFToken)
		sess.CSRFToken = ""
	}
	e := *ferr
	sess.Err = &e
	sess.State = StateError
	return nil
}

// liveLocked returns the stored session if it exists and is not expired,
// evicting it otherwise. Callers must hold the write lock.
func (ms *MemoryStore) liveLocked(id string) (*Session, error) {
	sess, ok := ms.sessions[id]
	if !ok {
		return nil, ErrSessionExpired
	}
	if sess.ExpiredAt(time.Now()) {
		ms.evictLocked(sess)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (ms *MemoryStore) evictLocked(sess *Session) {
	if sess.CSRFToken != "" {
		delete(ms.byState, sess.CSRFToken)
	}
	delete(ms.sessions, sess.ID)
}

func (ms *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.sweep()
		case <-ms.stopSweep:
			return
		}
	}
}

func (ms *MemoryStore) sweep() {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	count := 0
	for _, sess := range ms.sessions {
		if sess.ExpiredAt(now) {
			ms.evictLocked(sess)
			count++
		}
	}

	if count > 0 {
		ms.logger.Debug().Int("evicted", count).Msg("swept expired sessions")
	}
}
