package accessgate

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "accessgate_state"

// State holds the pending response for a request. Middleware and handlers
// record into it; Handler writes it once the chain returns.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
}

// HasState returns true if Handler is active for ctx.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// Err returns the error recorded for the request, if any.
func (s *State) Err() *APIError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns the status that will be written.
func (s *State) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err.Status
	}
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
