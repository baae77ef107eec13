package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"alphafarm/internal/position"
	"alphafarm/internal/stats"
)

// CountersSource 提供统计计数。
type CountersSource interface {
	Counters() stats.Counters
	History(ctx context.Context, limit int) ([]stats.Counters, error)
}

// PositionSource 提供持仓快照。
type PositionSource interface {
	Snapshots() []position.Snapshot
}

// Server 暴露监控事件、统计计数、持仓与 Prometheus 指标。
type Server struct {
	svc       *Service
	counters  CountersSource
	positions PositionSource
	port      int
	logger    *zap.Logger
}

// NewServer 创建监控 HTTP 服务。
func NewServer(svc *Service, counters CountersSource, positions PositionSource, port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:       svc,
		counters:  counters,
		positions: positions,
		port:      port,
		logger:    logger,
	}
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run 启动监听并阻塞到 ctx 结束。
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("监控接口已启动", zap.String("addr", addr))

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("monitor: 监控服务异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭监控服务失败", zap.Error(err))
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	query := Query{
		Limit:  limit,
		Symbol: strings.ToUpper(strings.TrimSpace(q.Get("symbol"))),
	}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		query.Type = EventType(strings.ToLower(typ))
	}

	events, err := s.svc.ListEvents(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, events)
}

type statsResponse struct {
	Today   stats.Counters   `json:"today"`
	History []stats.Counters `json:"history,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.counters == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := statsResponse{Today: s.counters.Counters()}
	if days, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && days > 0 {
		history, histErr := s.counters.History(r.Context(), days)
		if histErr != nil {
			http.Error(w, histErr.Error(), http.StatusInternalServerError)
			return
		}
		resp.History = history
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	if s.positions == nil {
		s.writeJSON(w, []position.Snapshot{})
		return
	}
	s.writeJSON(w, s.positions.Snapshots())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}
