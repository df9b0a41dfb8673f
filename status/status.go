// Package status exposes a small HTTP diagnostics server over a
// Manager's live sessions, with the usual router/middleware/graceful-
// shutdown shape used for status endpoints.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ipmicore/ipmicore"
)

// Server serves diagnostics for a Manager: a session list with login
// state, and a liveness probe.
type Server struct {
	manager *ipmicore.Manager
	log     *logrus.Entry
	addr    string
	http    *http.Server
}

// New builds a Server bound to addr (e.g. ":8080") that reports on
// manager's sessions.
func New(manager *ipmicore.Manager, addr string) *Server {
	s := &Server{
		manager: manager,
		log:     logrus.WithField("component", "status"),
		addr:    addr,
	}
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.setupRoutes(),
	}
	return s
}

func (s *Server) setupRoutes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("handled request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type sessionView struct {
	Peer      string `json:"peer"`
	Host      string `json:"host"`
	State     string `json:"state"`
	SessionID uint32 `json:"session_id"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for peer, sess := range sessions {
		views = append(views, sessionView{
			Peer:      peer,
			Host:      sess.Host(),
			State:     sess.State(),
			SessionID: sess.SessionID(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.log.WithError(err).Error("failed to encode session list")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Run starts the HTTP server and blocks until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("status server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
