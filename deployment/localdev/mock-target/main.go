// Command mock-target is a local HTTP target whose health can be broken and
// repaired, for exercising healloop end to end.
//
// GET /healthz answers 200 while healthy and 503 otherwise. The target is
// unhealthy while it has been broken over POST /break, or while the marker
// file named by MOCK_TARGET_MARKER exists, so a repair strategy such as
// "rm -f broken.flag" can fix it. POST /fix clears the flag, POST /toggle flips it.
package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

type healthReport struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type target struct {
	broken atomic.Bool
	marker string
}

func (t *target) reason() string {
	if t.broken.Load() {
		return "dependency unavailable: forced failure"
	}
	if t.marker != "" {
		if _, err := os.Stat(t.marker); err == nil {
			return "error: cannot find module './config' (marker " + t.marker + " present)"
		}
	}
	return ""
}

func main() {
	addr := envOr("MOCK_TARGET_ADDR", ":8080")
	t := &target{marker: os.Getenv("MOCK_TARGET_MARKER")}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if reason := t.reason(); reason != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, healthReport{Status: "unhealthy", Reason: reason, Timestamp: time.Now()})
			return
		}
		writeJSON(w, healthReport{Status: "ok", Timestamp: time.Now()})
	})
	mux.HandleFunc("/break", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		t.broken.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/fix", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		t.broken.Store(false)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/toggle", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		for {
			old := t.broken.Load()
			if t.broken.CompareAndSwap(old, !old) {
				break
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	logger := log.New(log.Writer(), "mock-target ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
