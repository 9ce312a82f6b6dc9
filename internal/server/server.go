// Package server exposes the query planner over JSON HTTP and reports
// liveness over the standard gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/neighbors"
)

const shutdownTimeout = 10 * time.Second

// Querier answers the read-only queries served over HTTP.
type Querier interface {
	Search(ctx context.Context, text string, limit int) ([]neighbors.Neighbor, error)
	NeighborsOf(ctx context.Context, fileName string, limit int, hints assetstore.Hints) ([]neighbors.Neighbor, error)
	Recent(ctx context.Context, limit int) ([]assetstore.Asset, error)
	Stats(ctx context.Context) (neighbors.Stats, error)
	Hints() assetstore.Hints
}

// Config holds listener addresses. An empty GRPCHealthAddr disables the
// gRPC health listener.
type Config struct {
	HTTPAddr       string
	GRPCHealthAddr string
}

// Server serves the HTTP API and the gRPC health service.
type Server struct {
	planner Querier
	cfg     Config
	log     *zap.Logger
	health  *health.Server
}

// New builds a Server.
func New(planner Querier, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Server{planner: planner, cfg: cfg, log: log, health: h}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/neighbors/{file}", s.handleNeighbors)
	mux.HandleFunc("GET /api/recent", s.handleRecent)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	var grpcLis net.Listener
	if s.cfg.GRPCHealthAddr != "" {
		grpcLis, err = net.Listen("tcp", s.cfg.GRPCHealthAddr)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("listen grpc health: %w", err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on already open listeners until ctx is done. grpcLis may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			s.log.Info("grpc health listening", zap.String("addr", grpcLis.Addr().String()))
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down...")
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

type neighborJSON struct {
	FileName string  `json:"file_name"`
	Width    *int32  `json:"width,omitempty"`
	Height   *int32  `json:"height,omitempty"`
	Distance float64 `json:"distance"`
}

type assetJSON struct {
	FileName  string    `json:"file_name"`
	Width     *int32    `json:"width,omitempty"`
	Height    *int32    `json:"height,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type errorJSON struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func toNeighborJSON(rows []neighbors.Neighbor) []neighborJSON {
	out := make([]neighborJSON, 0, len(rows))
	for _, n := range rows {
		out = append(out, neighborJSON{FileName: n.FileName, Width: n.Width, Height: n.Height, Distance: n.Distance})
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	rows, err := s.planner.Search(r.Context(), q, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": toNeighborJSON(rows)})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	file := r.PathValue("file")
	rows, err := s.planner.NeighborsOf(r.Context(), file, limit, s.planner.Hints())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file_name": file, "results": toNeighborJSON(rows)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	rows, err := s.planner.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]assetJSON, 0, len(rows))
	for _, a := range rows {
		out = append(out, assetJSON{FileName: a.FileName, Width: a.Width, Height: a.Height, CreatedAt: a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.planner.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limit parses ?limit=. Zero or absent means the planner default.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]errorJSON{"error": {
			Code:    apperr.CodeConfigInvalid,
			Message: fmt.Sprintf("limit must be a non-negative integer, got %q", raw),
		}})
		return 0, false
	}
	return n, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorJSON{Code: "E_INTERNAL", Message: err.Error(), Retryable: apperr.IsRetryable(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Code = e.Code
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("query failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]errorJSON{"error": body})
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case apperr.Is(err, apperr.KindDimensionMismatch):
		return http.StatusBadRequest
	case apperr.Is(err, apperr.KindNotFound):
		return http.StatusNotFound
	case apperr.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
