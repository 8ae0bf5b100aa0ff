package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const msgpackContentType = "application/msgpack"

// wantsMsgpack reports whether the request's Accept header prefers msgpack
// encoding over the default JSON.
func wantsMsgpack(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), msgpackContentType)
}

// render writes data as msgpack or JSON depending on the request's Accept
// header, JSON being the default when neither is explicitly requested.
func render(w http.ResponseWriter, r *http.Request, status int, data any) {
	if wantsMsgpack(r) {
		body, err := msgpack.Marshal(data)
		if err != nil {
			renderError(w, r, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", msgpackContentType)
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError writes err as an errorResponse with the given status code.
// Callers pick the code; handlers that report engine errors use statusFor
// (400 invalid input, 503 store unavailable/schema mismatch, 500 everything
// else).
func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render(w, r, status, errorResponse{Error: err.Error()})
}
