package accessgate

import "net/http"

// SetError records an error response for r.
// Without Handler in the chain (see HasState) this is a no-op.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse records a success response for r. An error set with SetError
// takes precedence regardless of call order.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header for r.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// writeError sends err through State when Handler is active and falls back to
// a plain JSON write otherwise.
func writeError(w http.ResponseWriter, r *http.Request, err *APIError) {
	if HasState(r.Context()) {
		SetError(r, err)
		return
	}
	state := &State{err: err}
	writeResponse(w, state)
}

func setHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	if HasState(r.Context()) {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}
