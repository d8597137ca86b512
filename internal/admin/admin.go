// Package admin implements the spec §6 administrative surface: a narrow
// REST API for listing live sessions and driving backend drain/switchover,
// separate from the client-facing MySQL protocol port.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/router"
)

// DefaultGrace is how long Switchover waits for in-flight open-transaction
// sessions to finish before force-detaching, when the request doesn't
// specify one.
const DefaultGrace = 5 * time.Second

// Server exposes the administrative HTTP surface over a session Registry
// and the backend Pool it coordinates drains against.
type Server struct {
	registry   *router.Registry
	pool       *router.Pool
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an admin Server wired to reg and pool. Handlers are not
// registered until Start is called.
func NewServer(reg *router.Registry, pool *router.Pool) *Server {
	return &Server{registry: reg, pool: pool, startTime: time.Now()}
}

// Start registers routes and begins serving on addr (e.g. ":8090") in a
// background goroutine. It returns once the listener is ready to accept.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/backends", s.listBackends).Methods(http.MethodGet)
	r.HandleFunc("/backends/{name}/drain", s.drainBackend).Methods(http.MethodPost)
	r.HandleFunc("/backends/{name}/switchover", s.switchover).Methods(http.MethodPost)
	r.HandleFunc("/backends/{name}/switchover-force", s.switchoverForce).Methods(http.MethodPost)
	r.HandleFunc("/backends/{name}/close", s.forceClose).Methods(http.MethodPost)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
	log.Printf("[admin] listening on %s", addr)
	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries := s.registry.Summaries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	live := s.pool.LiveBackends()
	out := make([]map[string]interface{}, 0, len(live))
	for _, name := range live {
		out = append(out, map[string]interface{}{
			"name":     name,
			"draining": s.pool.IsDraining(name),
			"is_master": name == s.pool.MasterName(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// drainBackend marks a backend draining without waiting or replaying; the
// caller is expected to poll /backends and follow up with switchover once
// no session is left active on it.
func (s *Server) drainBackend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.pool.Drain(name)
	log.Printf("[admin] backend %s marked draining", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining", "backend": name})
}

// switchover implements spec §4.F.5's full drain procedure: mark draining,
// wait up to the grace period, replay or force-detach stragglers.
func (s *Server) switchover(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	grace := graceFromQuery(r, DefaultGrace)

	if err := s.registry.Switchover(s.pool, name, grace); err != nil {
		log.Printf("[admin] switchover of %s completed with errors: %v", name, err)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "completed_with_errors",
			"backend": name,
			"error":   err.Error(),
		})
		return
	}
	log.Printf("[admin] switchover of %s completed cleanly", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete", "backend": name})
}

// switchoverForce skips the grace-period wait entirely — for use once the
// operator has already confirmed (outside this process, e.g. via
// internal/adminsql's replication-lag probe) that no in-flight transaction
// on the backend is worth waiting for. The lagging-slave and
// lock-in-progress pre-checks spec §4.F.5 mentions belong to that external
// confirmation, not to this handler.
func (s *Server) switchoverForce(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.registry.Switchover(s.pool, name, 0); err != nil {
		log.Printf("[admin] forced switchover of %s completed with errors: %v", name, err)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "completed_with_errors",
			"backend": name,
			"error":   err.Error(),
		})
		return
	}
	log.Printf("[admin] forced switchover of %s completed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete", "backend": name})
}

// forceClose detaches name from every session immediately, with no replay
// attempt, for a backend already known to be gone.
func (s *Server) forceClose(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.registry.ForceClose(s.pool, name)
	log.Printf("[admin] backend %s force-closed across %d sessions", name, s.registry.Len())
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "backend": name})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"num_sessions":   s.registry.Len(),
		"backends":       s.pool.LiveBackends(),
	})
}

func graceFromQuery(r *http.Request, fallback time.Duration) time.Duration {
	raw := r.URL.Query().Get("grace")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
