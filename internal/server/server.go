package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claimrails/internal/claim"
	"claimrails/internal/config"
	"claimrails/internal/escrow"
	"claimrails/internal/hmacauth"
	"claimrails/internal/idempotency"
	"claimrails/internal/payout"
	"claimrails/internal/transfer"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Transfers   *transfer.Orchestrator
	Claims      *claim.Service
	Payouts     *payout.Dispatcher
	Idempotency idempotency.Store
	Metrics     *Metrics
	Logger      *zap.Logger
	// Gateway, Database and Cache are probed by the health check when they
	// implement Pinger.
	Gateway  escrow.Gateway
	Database any
	Cache    any
}

type Server struct {
	cfg        *config.AppConfig
	transfers  *transfer.Orchestrator
	claims     *claim.Service
	payouts    *payout.Dispatcher
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	logger     *zap.Logger
	checks     map[string]Pinger

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	dlqMu      sync.Mutex
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		transfers: deps.Transfers,
		claims:    deps.Claims,
		payouts:   deps.Payouts,
		store:     deps.Idempotency,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "http")),
		checks:    make(map[string]Pinger),
		inflight:  make(map[string]struct{}),
	}
	s.hmac = &hmacauth.Verifier{
		Secret:   cfg.Secrets.HMACSalt,
		MaxSkew:  cfg.Service.HMACClockSkew,
		OnReject: metrics.incHMACRejection,
	}
	for name, dep := range map[string]any{"rpc": deps.Gateway, "database": deps.Database, "cache": deps.Cache} {
		if p, ok := dep.(Pinger); ok {
			s.checks[name] = p
		}
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the full route table wrapped in request logging.
func (s *Server) Handler() http.Handler {
	signed := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/transfers", signed(s.idempotent(true, s.handlePrepare)))
	mux.Handle("GET /api/v1/transfers/{id}", signed(s.handleGetTransfer))
	mux.Handle("POST /api/v1/transfers/{id}/confirm", signed(s.idempotent(false, s.handleConfirm)))
	mux.Handle("POST /api/v1/transfers/{id}/lock", signed(s.idempotent(false, s.handleLock)))
	mux.Handle("POST /api/v1/transfers/{id}/refund", signed(s.idempotent(false, s.handleRefund)))

	mux.HandleFunc("POST /api/v1/claims/{id}/start", s.handleStartClaim)
	mux.HandleFunc("POST /api/v1/claims/{id}/otp", s.handleResendOtp)
	mux.HandleFunc("POST /api/v1/claims/verify", s.handleVerify)
	mux.HandleFunc("POST /api/v1/claims/{id}/payout", s.handlePayout)

	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return s.requestLogger(mux)
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dlqEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TransferID string    `json:"transferId"`
	Method     string    `json:"method"`
	Reason     string    `json:"reason"`
}

// writeDLQ files an escalated payout for manual resolution.
func (s *Server) writeDLQ(entry dlqEntry) {
	if s.cfg.Service.DLQPath == "" {
		return
	}
	s.dlqMu.Lock()
	defer s.dlqMu.Unlock()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.Error("dlq marshal failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.logger.Error("dlq mkdir failed", zap.Error(err))
		return
	}
	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.TransferID)
	if err := os.WriteFile(filepath.Join(s.cfg.Service.DLQPath, filename), data, 0o600); err != nil {
		s.logger.Error("dlq write failed", zap.Error(err))
	}
	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	s.metrics.setDLQDepth(depth)
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("dlq read failed", zap.Error(err))
		}
		return 0
	}
	return len(entries)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	deps := make(map[string]dependencyHealth, len(s.checks))
	for name, p := range s.checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(checkCtx)
		cancel()
		if err != nil {
			healthy = false
			deps[name] = dependencyHealth{Error: err.Error()}
			continue
		}
		deps[name] = dependencyHealth{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status       string                      `json:"status"`
		Dependencies map[string]dependencyHealth `json:"dependencies"`
		QueueDepth   int                         `json:"queue_depth"`
	}{
		Status:       status,
		Dependencies: deps,
		QueueDepth:   s.updateDLQDepth(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger tags every request with an id and logs its outcome. Claim
// paths carry no secrets in the URL, so paths are logged as is.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
