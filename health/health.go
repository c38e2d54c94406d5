// Package health probes whether an embedded bucket engine is usable. An
// engine is healthy when every store behind it answers: the metadata
// database and the blob backend each register a named check, and the
// aggregate reports which of them is down.
package health

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Checker wraps the CheckHealth method.
//
// CheckHealth returns nil if the resource is healthy, or a non-nil error if
// the resource is not healthy. CheckHealth must be safe to call from
// multiple goroutines.
type Checker interface {
	CheckHealth() error
}

// CheckerFunc is an adapter type to allow the use of ordinary functions as
// health checks. If f is a function with the appropriate signature,
// CheckerFunc(f) is a Checker that calls f.
type CheckerFunc func() error

// CheckHealth call f().
func (f CheckerFunc) CheckHealth() error {
	return f()
}

// Handler is an HTTP handler reporting on an aggregate of named store
// checks. The zero value has no checks and is always healthy.
type Handler struct {
	mu     sync.Mutex
	checks []namedCheck
}

type namedCheck struct {
	name string
	c    Checker
}

// Add registers a check under the store name it probes, e.g. "metadata" or
// "blobs".
func (h *Handler) Add(name string, c Checker) {
	h.mu.Lock()
	h.checks = append(h.checks, namedCheck{name: name, c: c})
	h.mu.Unlock()
}

// failing returns the names of every check that currently reports an error.
func (h *Handler) failing() []string {
	h.mu.Lock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	var down []string
	for _, nc := range checks {
		if err := nc.c.CheckHealth(); err != nil {
			down = append(down, nc.name)
		}
	}
	return down
}

// ServeHTTP returns 200 "ok" when every store answers, or 500 naming the
// stores that are down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	down := h.failing()
	if len(down) == 0 {
		writeStatus(w, http.StatusOK, "ok")
		return
	}
	writeStatus(w, http.StatusInternalServerError, "unhealthy: "+strings.Join(down, ", "))
}

// HandleLive is an http.HandlerFunc that handles liveness checks by
// immediately responding with an HTTP 200 status.
func HandleLive(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Length", strconv.Itoa(len(status)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	io.WriteString(w, status)
}
