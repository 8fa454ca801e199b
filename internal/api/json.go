package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"coldchain/internal/dispatch"
	"coldchain/internal/emergency"
	"coldchain/internal/obs"
	"coldchain/internal/scheduler"
	"coldchain/internal/store"
	"coldchain/internal/telemetry"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      "about:blank",
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// writeError maps service sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrNoVehicles),
		errors.Is(err, emergency.ErrInvalidReport),
		errors.Is(err, telemetry.ErrMalformed),
		errors.Is(err, telemetry.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrRetryLater):
		w.Header().Set("Retry-After", "1")
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrSuperseded),
		errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("req_id=%s path=%s err=%v", obs.RequestID(r.Context()), r.URL.Path, err)
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

// decodeJSON rejects unknown fields so typos in requests surface as 400s.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return false
	}
	return true
}
