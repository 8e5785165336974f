package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/health"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server/checks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SpamSignatures resolves correction tokens handed out with stored spam.
type SpamSignatures interface {
	SpamSignature(ctx context.Context, token string) (*db.SpamSignature, error)
	RecordSpamCorrection(ctx context.Context, token, class string) error
}

// SpamTrainer is told about corrections so later messages are classified
// differently.
type SpamTrainer interface {
	Train(ctx context.Context, accountID int64, signature, class string) error
}

// CheckpointReader exposes the per-account change counters.
type CheckpointReader interface {
	Get(ctx context.Context, obj cache.ObjectType, accountID int64) (uint64, error)
}

// Server is the metrics, health and administration endpoint.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	spam         SpamSignatures
	trainer      SpamTrainer
	checkpoints  CheckpointReader
	health       *health.HealthMonitor
	gatherer     prometheus.Gatherer
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server. The
// API routes are only mounted when APIKey is set; /metrics and /healthz
// are always served.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Spam         SpamSignatures
	Trainer      SpamTrainer
	Checkpoints  CheckpointReader
	Health       *health.HealthMonitor
	Gatherer     prometheus.Gatherer
}

func New(options ServerOptions) *Server {
	gatherer := options.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		spam:         options.Spam,
		trainer:      options.Trainer,
		checkpoints:  options.Checkpoints,
		health:       options.Health,
		gatherer:     gatherer,
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, errChan chan error) {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP API listening", "addr", s.addr, "api", s.apiKey != "")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	if s.apiKey != "" {
		api := router.NewRoute().Subrouter()
		api.Use(s.authMiddleware)
		if s.spam != nil {
			api.HandleFunc("/spam/{token}", s.handleSpamCorrection).Methods("POST")
		}
		if s.checkpoints != nil {
			api.HandleFunc("/checkpoints/{object}/{account:[0-9]+}", s.handleCheckpoint).Methods("GET")
		}
	}
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		ip := net.ParseIP(host)
		for _, allowed := range s.allowedHosts {
			if allowed == host {
				next.ServeHTTP(w, r)
				return
			}
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && ip != nil && cidr.Contains(ip) {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type HealthResponse struct {
	Status     health.ComponentStatus `json:"status"`
	Components []health.Report        `json:"components,omitempty"`
}

// handleHealth answers 503 only when a critical component is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: health.StatusHealthy}
	if s.health != nil {
		resp.Status = s.health.GetOverallStatus()
		resp.Components = s.health.Reports()
	}
	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

type SpamCorrectionRequest struct {
	Class string `json:"class"`
}

type SpamCorrectionResponse struct {
	Token     string `json:"token"`
	AccountID int64  `json:"account_id"`
	Class     string `json:"class"`
	Trained   bool   `json:"trained"`
}

// handleSpamCorrection records that a message was misclassified and, when
// the filter learns, passes the correction on.
func (s *Server) handleSpamCorrection(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	token := mux.Vars(r)["token"]

	var req SpamCorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Class != checks.ClassSpam && req.Class != checks.ClassHam {
		s.writeError(w, http.StatusBadRequest, "class must be 'spam' or 'ham'")
		return
	}

	ctx := r.Context()
	sig, err := s.spam.SpamSignature(ctx, token)
	if err != nil {
		if errors.Is(err, consts.ErrSignatureNotFound) {
			metrics.SpamCorrections.WithLabelValues(req.Class, "not_found").Inc()
			s.writeError(w, http.StatusNotFound, "Unknown token")
			return
		}
		logger.Error("HTTP API: spam signature lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := s.spam.RecordSpamCorrection(ctx, token, req.Class); err != nil {
		if errors.Is(err, consts.ErrSignatureNotFound) {
			s.writeError(w, http.StatusNotFound, "Unknown token")
			return
		}
		logger.Error("HTTP API: failed to record spam correction", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	resp := SpamCorrectionResponse{Token: token, AccountID: sig.AccountID, Class: req.Class}
	if s.trainer != nil && sig.Signature != "" {
		if err := s.trainer.Train(ctx, sig.AccountID, sig.Signature, req.Class); err != nil {
			logger.Warn("HTTP API: spam training failed", "account_id", sig.AccountID, "error", err)
		} else {
			resp.Trained = true
		}
	}
	metrics.SpamCorrections.WithLabelValues(req.Class, "success").Inc()
	logger.Info("HTTP API: spam correction recorded", "account_id", sig.AccountID, "class", req.Class, "trained", resp.Trained)
	s.writeJSON(w, http.StatusOK, resp)
}

type CheckpointResponse struct {
	Object    cache.ObjectType `json:"object"`
	AccountID int64            `json:"account_id"`
	Serial    uint64           `json:"serial"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	obj := cache.ObjectType(vars["object"])
	switch obj {
	case cache.ObjectMessages, cache.ObjectFolders, cache.ObjectUser:
	default:
		s.writeError(w, http.StatusNotFound, "Unknown object type")
		return
	}
	accountID, err := strconv.ParseInt(vars["account"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	serial, err := s.checkpoints.Get(r.Context(), obj, accountID)
	if err != nil {
		logger.Error("HTTP API: checkpoint read failed", "object", obj, "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, CheckpointResponse{Object: obj, AccountID: accountID, Serial: serial})
}
