package broker

// StatusService reads session snapshots for polling clients. Snapshots are
// copies committed by the store, so a status poll never observes an
// in-flight exchange or discovery half-applied.
type StatusService struct {
	store Store
}

// NewStatusService creates a StatusService over the given store.
func NewStatusService(store Store) *StatusService {
	return &StatusService{store: store}
}

// Status returns the current snapshot for a session. Unknown and expired
// sessions both report ErrSessionExpired; callers cannot tell the two
// apart.
func (s *StatusService) Status(sessionID string) (Snapshot, error) {
	return s.store.Snapshot(sessionID)
}

// Tools returns the discovered tool list for a completed session. The
// boolean is false while the flow has not yet reached the success state.
func (s *StatusService) Tools(sessionID string) ([]Tool, bool, error) {
	snap, err := s.store.Snapshot(sessionID)
	if err != nil {
		return nil, false, err
	}
	if snap.State != StateSuccess {
		return nil, false, nil
	}
	return snap.Tools, true, nil
}
